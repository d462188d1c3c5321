// Package ssmexec runs command batches through AWS Systems Manager Run
// Command. Hosts are resolved to running EC2 instances by their Name tag.
package ssmexec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/aws/aws-sdk-go/service/ssm/ssmiface"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/3cpo-dev/fleetroll/internal/executor"
	"github.com/3cpo-dev/fleetroll/pkg/api"
)

const (
	Name          = "ssm"
	ShellDocument = "AWS-RunShellScript"
)

// Options configures the transport.
type Options struct {
	// CommandTimeout is passed to SSM as the execution timeout of a batch.
	CommandTimeout time.Duration
	// RequestsPerSecond limits calls to the AWS APIs.
	RequestsPerSecond float64
	Comment           string
}

type Executor struct {
	ssm     ssmiface.SSMAPI
	ec2     ec2iface.EC2API
	opts    Options
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu        sync.Mutex
	instances map[string]string
}

// New wraps existing API clients.
func New(ssmClient ssmiface.SSMAPI, ec2Client ec2iface.EC2API, opts Options) *Executor {
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	return &Executor{
		ssm:       ssmClient,
		ec2:       ec2Client,
		opts:      opts,
		limiter:   rate.NewLimiter(rate.Limit(rps), 2),
		logger:    log.With().Str("component", "ssmexec").Logger(),
		instances: map[string]string{},
	}
}

// NewFromSession builds SSM and EC2 clients from an AWS session.
func NewFromSession(sess *session.Session, opts Options) *Executor {
	return New(ssm.New(sess), ec2.New(sess), opts)
}

// NewSession loads shared AWS configuration, overriding the region when set.
func NewSession(region string) (*session.Session, error) {
	cfg := aws.NewConfig()
	if region != "" {
		cfg = cfg.WithRegion(region)
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *cfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return sess, nil
}

func (e *Executor) Name() string { return Name }

// InstanceID returns the id of the running instance tagged with name.
func (e *Executor) InstanceID(ctx context.Context, name string) (string, error) {
	e.mu.Lock()
	id, ok := e.instances[name]
	e.mu.Unlock()
	if ok {
		return id, nil
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return "", err
	}
	out, err := e.ec2.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
		Filters: []*ec2.Filter{
			{Name: aws.String("tag:Name"), Values: aws.StringSlice([]string{name})},
			{Name: aws.String("instance-state-name"), Values: aws.StringSlice([]string{ec2.InstanceStateNameRunning})},
		},
	})
	if err != nil {
		return "", classify(fmt.Errorf("describe instances %s: %w", name, err), executor.ErrHostUnreachable)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if id := aws.StringValue(inst.InstanceId); id != "" {
				e.mu.Lock()
				e.instances[name] = id
				e.mu.Unlock()
				return id, nil
			}
		}
	}
	return "", fmt.Errorf("%w: no running instance tagged %s", executor.ErrHostUnreachable, name)
}

// Submit sends the batch with the shell document.
func (e *Executor) Submit(ctx context.Context, entry api.HostEntry, commands []string) (api.CommandHandle, error) {
	instanceID := entry.InstanceID
	if instanceID == "" {
		id, err := e.InstanceID(ctx, entry.Name)
		if err != nil {
			return api.CommandHandle{}, err
		}
		instanceID = id
	}
	in := &ssm.SendCommandInput{
		DocumentName: aws.String(ShellDocument),
		InstanceIds:  aws.StringSlice([]string{instanceID}),
		Parameters:   map[string][]*string{"commands": aws.StringSlice(commands)},
	}
	if e.opts.CommandTimeout > 0 {
		in.Parameters["executionTimeout"] = aws.StringSlice([]string{fmt.Sprint(int64(e.opts.CommandTimeout.Seconds()))})
	}
	if e.opts.Comment != "" {
		in.Comment = aws.String(e.opts.Comment)
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return api.CommandHandle{}, err
	}
	out, err := e.ssm.SendCommandWithContext(ctx, in)
	if err != nil {
		return api.CommandHandle{}, classify(fmt.Errorf("send command to %s: %w", entry.Name, err), executor.ErrHostUnreachable)
	}
	id := aws.StringValue(out.Command.CommandId)
	e.logger.Debug().Str("host", entry.Name).Str("instance", instanceID).Str("handle", id).Msg("command sent")
	return api.CommandHandle{
		ID:          id,
		Host:        entry.Name,
		Transport:   Name,
		Target:      instanceID,
		SubmittedAt: time.Now(),
	}, nil
}

// Poll reads the invocation of the batch on its instance.
func (e *Executor) Poll(ctx context.Context, handle api.CommandHandle) (api.Invocation, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return api.Invocation{}, err
	}
	out, err := e.ssm.GetCommandInvocationWithContext(ctx, &ssm.GetCommandInvocationInput{
		CommandId:  aws.String(handle.ID),
		InstanceId: aws.String(handle.Target),
	})
	if err != nil {
		return api.Invocation{}, classify(fmt.Errorf("get invocation %s: %w", handle.ID, err), executor.ErrTransient)
	}
	inv := api.Invocation{State: State(aws.StringValue(out.Status))}
	if inv.State.Terminal() {
		inv.Stdout = aws.StringValue(out.StandardOutputContent)
		inv.Stderr = aws.StringValue(out.StandardErrorContent)
	}
	return inv, nil
}

// State maps an SSM invocation status to a command state. Unknown values are
// treated as still running.
func State(status string) api.CommandState {
	switch status {
	case ssm.CommandInvocationStatusPending, ssm.CommandInvocationStatusDelayed:
		return api.CommandPending
	case ssm.CommandInvocationStatusInProgress:
		return api.CommandInProgress
	case ssm.CommandInvocationStatusSuccess:
		return api.CommandSuccess
	case ssm.CommandInvocationStatusFailed, ssm.CommandInvocationStatusCancelled, ssm.CommandInvocationStatusCancelling:
		return api.CommandFailed
	case ssm.CommandInvocationStatusTimedOut:
		return api.CommandTimedOut
	default:
		return api.CommandInProgress
	}
}

var authCodes = map[string]bool{
	"UnrecognizedClientException": true,
	"InvalidClientTokenId":        true,
	"ExpiredToken":                true,
	"ExpiredTokenException":       true,
	"AccessDeniedException":       true,
	"AuthFailure":                 true,
	"UnauthorizedOperation":       true,
	"NoCredentialProviders":       true,
	"SignatureDoesNotMatch":       true,
}

// classify wraps err with the executor error matching its AWS code. Network
// failures are wrapped with fallback.
func classify(err error, fallback error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return err
	}
	code := aerr.Code()
	switch {
	case code == request.CanceledErrorCode:
		return err
	case authCodes[code]:
		return fmt.Errorf("%w: %v", executor.ErrAuthenticationFailed, err)
	case code == ssm.ErrCodeInvalidCommandId:
		return fmt.Errorf("%w: %v", executor.ErrHandleExpired, err)
	case code == ssm.ErrCodeInvocationDoesNotExist, request.IsErrorThrottle(aerr):
		return fmt.Errorf("%w: %v", executor.ErrTransient, err)
	case code == ssm.ErrCodeInvalidInstanceId:
		return fmt.Errorf("%w: %v", executor.ErrHostUnreachable, err)
	case code == request.ErrCodeRequestError, request.IsErrorRetryable(aerr):
		return fmt.Errorf("%w: %v", fallback, err)
	}
	return err
}
