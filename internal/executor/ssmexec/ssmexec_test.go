package ssmexec

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/aws/aws-sdk-go/service/ssm/ssmiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/fleetroll/internal/executor"
	"github.com/3cpo-dev/fleetroll/pkg/api"
)

type mockEC2 struct {
	ec2iface.EC2API
	calls     int
	instances map[string]string
	err       error
}

func (m *mockEC2) DescribeInstancesWithContext(_ aws.Context, in *ec2.DescribeInstancesInput, _ ...request.Option) (*ec2.DescribeInstancesOutput, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	var name, state string
	for _, f := range in.Filters {
		switch aws.StringValue(f.Name) {
		case "tag:Name":
			name = aws.StringValue(f.Values[0])
		case "instance-state-name":
			state = aws.StringValue(f.Values[0])
		}
	}
	out := &ec2.DescribeInstancesOutput{}
	if id, ok := m.instances[name]; ok && state == ec2.InstanceStateNameRunning {
		out.Reservations = []*ec2.Reservation{{Instances: []*ec2.Instance{{InstanceId: aws.String(id)}}}}
	}
	return out, nil
}

type mockSSM struct {
	ssmiface.SSMAPI
	sent      *ssm.SendCommandInput
	sendErr   error
	statuses  []string
	pollErrs  []error
	pollCalls int
}

func (m *mockSSM) SendCommandWithContext(_ aws.Context, in *ssm.SendCommandInput, _ ...request.Option) (*ssm.SendCommandOutput, error) {
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = in
	return &ssm.SendCommandOutput{Command: &ssm.Command{CommandId: aws.String("cmd-123")}}, nil
}

func (m *mockSSM) GetCommandInvocationWithContext(_ aws.Context, in *ssm.GetCommandInvocationInput, _ ...request.Option) (*ssm.GetCommandInvocationOutput, error) {
	i := m.pollCalls
	m.pollCalls++
	if i < len(m.pollErrs) && m.pollErrs[i] != nil {
		return nil, m.pollErrs[i]
	}
	status := m.statuses[len(m.statuses)-1]
	if i < len(m.statuses) {
		status = m.statuses[i]
	}
	return &ssm.GetCommandInvocationOutput{
		Status:                aws.String(status),
		StandardOutputContent: aws.String("deployed"),
		StandardErrorContent:  aws.String(""),
	}, nil
}

func newTestExecutor(s *mockSSM, e *mockEC2) *Executor {
	return New(s, e, Options{RequestsPerSecond: 1000})
}

func TestSubmitResolvesInstanceByTag(t *testing.T) {
	s := &mockSSM{}
	e := &mockEC2{instances: map[string]string{"EC2-CORE": "i-0abc"}}
	x := newTestExecutor(s, e)

	h, err := x.Submit(context.Background(), api.HostEntry{Name: "EC2-CORE"}, []string{"docker pull a", "docker ps"})
	require.NoError(t, err)
	assert.Equal(t, "cmd-123", h.ID)
	assert.Equal(t, "i-0abc", h.Target)
	assert.Equal(t, Name, h.Transport)

	require.NotNil(t, s.sent)
	assert.Equal(t, ShellDocument, aws.StringValue(s.sent.DocumentName))
	assert.Equal(t, []string{"i-0abc"}, aws.StringValueSlice(s.sent.InstanceIds))
	assert.Equal(t, []string{"docker pull a", "docker ps"}, aws.StringValueSlice(s.sent.Parameters["commands"]))

	_, err = x.Submit(context.Background(), api.HostEntry{Name: "EC2-CORE"}, []string{"true"})
	require.NoError(t, err)
	assert.Equal(t, 1, e.calls, "instance id should be cached")
}

func TestSubmitUsesExplicitInstanceID(t *testing.T) {
	s := &mockSSM{}
	e := &mockEC2{}
	_, err := newTestExecutor(s, e).Submit(context.Background(), api.HostEntry{Name: "db", InstanceID: "i-0db"}, []string{"true"})
	require.NoError(t, err)
	assert.Equal(t, 0, e.calls)
}

func TestSubmitNoRunningInstance(t *testing.T) {
	_, err := newTestExecutor(&mockSSM{}, &mockEC2{}).Submit(context.Background(), api.HostEntry{Name: "EC2-DB"}, []string{"true"})
	assert.ErrorIs(t, err, executor.ErrHostUnreachable)
}

func TestSubmitErrors(t *testing.T) {
	cases := map[string]struct {
		err  error
		want error
	}{
		"expired credentials": {awserr.New("ExpiredTokenException", "token expired", nil), executor.ErrAuthenticationFailed},
		"not managed":         {awserr.New(ssm.ErrCodeInvalidInstanceId, "not connected", nil), executor.ErrHostUnreachable},
		"network":             {awserr.New(request.ErrCodeRequestError, "dial tcp", errors.New("refused")), executor.ErrHostUnreachable},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s := &mockSSM{sendErr: tc.err}
			_, err := newTestExecutor(s, &mockEC2{}).Submit(context.Background(), api.HostEntry{Name: "db", InstanceID: "i-1"}, []string{"true"})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestPollStatusMapping(t *testing.T) {
	s := &mockSSM{statuses: []string{"Pending", "InProgress", "Success"}}
	x := newTestExecutor(s, &mockEC2{})
	h := api.CommandHandle{ID: "cmd-123", Target: "i-1"}

	inv, err := x.Poll(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, api.CommandPending, inv.State)
	assert.Empty(t, inv.Stdout)

	inv, _ = x.Poll(context.Background(), h)
	assert.Equal(t, api.CommandInProgress, inv.State)

	inv, _ = x.Poll(context.Background(), h)
	assert.Equal(t, api.CommandSuccess, inv.State)
	assert.Equal(t, "deployed", inv.Stdout)
}

func TestState(t *testing.T) {
	assert.Equal(t, api.CommandPending, State("Delayed"))
	assert.Equal(t, api.CommandFailed, State("Cancelled"))
	assert.Equal(t, api.CommandFailed, State("Cancelling"))
	assert.Equal(t, api.CommandFailed, State("Failed"))
	assert.Equal(t, api.CommandTimedOut, State("TimedOut"))
	assert.Equal(t, api.CommandInProgress, State("SomethingNew"))
}

func TestPollErrors(t *testing.T) {
	cases := map[string]struct {
		err  error
		want error
	}{
		"not yet visible": {awserr.New(ssm.ErrCodeInvocationDoesNotExist, "no invocation", nil), executor.ErrTransient},
		"throttled":       {awserr.New("ThrottlingException", "slow down", nil), executor.ErrTransient},
		"unknown command": {awserr.New(ssm.ErrCodeInvalidCommandId, "bad id", nil), executor.ErrHandleExpired},
		"denied":          {awserr.New("AccessDeniedException", "no", nil), executor.ErrAuthenticationFailed},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s := &mockSSM{pollErrs: []error{tc.err}, statuses: []string{"Success"}}
			_, err := newTestExecutor(s, &mockEC2{}).Poll(context.Background(), api.CommandHandle{ID: "c", Target: "i"})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
