package health

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/elbv2"
	"github.com/aws/aws-sdk-go/service/elbv2/elbv2iface"

	"github.com/3cpo-dev/fleetroll/pkg/api"
)

// ELBv2Registry reads target health from an application load balancer
// target group. Groups are given by ARN or by name.
type ELBv2Registry struct {
	client elbv2iface.ELBV2API
	arns   map[string]string
}

func NewELBv2Registry(client elbv2iface.ELBV2API) *ELBv2Registry {
	return &ELBv2Registry{client: client, arns: map[string]string{}}
}

func NewELBv2RegistryFromSession(sess *session.Session) *ELBv2Registry {
	return NewELBv2Registry(elbv2.New(sess))
}

func (r *ELBv2Registry) Name() string { return "elbv2" }

func (r *ELBv2Registry) resolve(ctx context.Context, group string) (string, error) {
	if strings.HasPrefix(group, "arn:") {
		return group, nil
	}
	if arn, ok := r.arns[group]; ok {
		return arn, nil
	}
	out, err := r.client.DescribeTargetGroupsWithContext(ctx, &elbv2.DescribeTargetGroupsInput{
		Names: aws.StringSlice([]string{group}),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == elbv2.ErrCodeTargetGroupNotFoundException {
			return "", fmt.Errorf("%w: %s", ErrUnknownGroup, group)
		}
		return "", fmt.Errorf("describe target group %s: %w", group, err)
	}
	if len(out.TargetGroups) == 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}
	arn := aws.StringValue(out.TargetGroups[0].TargetGroupArn)
	r.arns[group] = arn
	return arn, nil
}

// Targets returns one entry per registered target.
func (r *ELBv2Registry) Targets(ctx context.Context, group string) ([]api.HealthTarget, error) {
	arn, err := r.resolve(ctx, group)
	if err != nil {
		return nil, err
	}
	out, err := r.client.DescribeTargetHealthWithContext(ctx, &elbv2.DescribeTargetHealthInput{
		TargetGroupArn: aws.String(arn),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == elbv2.ErrCodeTargetGroupNotFoundException {
			return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, group)
		}
		return nil, fmt.Errorf("describe target health: %w", err)
	}
	targets := make([]api.HealthTarget, 0, len(out.TargetHealthDescriptions))
	for _, d := range out.TargetHealthDescriptions {
		id := aws.StringValue(d.Target.Id)
		if d.Target.Port != nil {
			id = fmt.Sprintf("%s:%d", id, aws.Int64Value(d.Target.Port))
		}
		t := api.HealthTarget{ID: id, State: api.HealthInitial}
		if th := d.TargetHealth; th != nil {
			t.State = TargetState(aws.StringValue(th.State))
			t.Reason = reason(aws.StringValue(th.Reason), aws.StringValue(th.Description))
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// TargetState maps an ELBv2 target health state. Draining targets are still
// settling; unused and unavailable ones are not serving.
func TargetState(s string) api.HealthState {
	switch s {
	case elbv2.TargetHealthStateEnumHealthy:
		return api.HealthHealthy
	case elbv2.TargetHealthStateEnumUnhealthy,
		elbv2.TargetHealthStateEnumUnused,
		elbv2.TargetHealthStateEnumUnavailable:
		return api.HealthUnhealthy
	}
	if strings.HasPrefix(s, "unhealthy.") {
		return api.HealthUnhealthy
	}
	return api.HealthInitial
}

func reason(code, desc string) string {
	switch {
	case code == "":
		return desc
	case desc == "":
		return code
	default:
		return code + ": " + desc
	}
}
