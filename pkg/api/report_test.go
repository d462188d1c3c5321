package api

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportCountsAreDerived(t *testing.T) {
	r := NewDeploymentReport("run-1", "dev")
	require.NoError(t, r.Add(DeploymentResult{Host: "db", State: DeploySucceeded}))
	require.NoError(t, r.Add(DeploymentResult{Host: "core", State: DeployTimedOut}))
	require.NoError(t, r.Add(DeploymentResult{Host: "frontend", State: DeploySucceeded}))
	require.NoError(t, r.Add(DeploymentResult{Host: "edge", State: DeployFailed}))

	assert.Equal(t, []string{"db", "core", "frontend", "edge"}, r.Hosts())
	assert.Equal(t, 2, r.Succeeded())
	assert.Equal(t, 1, r.Failed())
	assert.Equal(t, 1, r.TimedOut())
	assert.False(t, r.OK())
	assert.Equal(t, 1, r.ExitCode())
}

func TestReportRejectsDuplicateHost(t *testing.T) {
	r := NewDeploymentReport("run-1", "dev")
	require.NoError(t, r.Add(DeploymentResult{Host: "db", State: DeploySucceeded}))
	assert.Error(t, r.Add(DeploymentResult{Host: "db", State: DeployFailed}))
	assert.Equal(t, 1, r.Len())

	got, ok := r.Get("db")
	require.True(t, ok)
	assert.Equal(t, DeploySucceeded, got.State)
}

func TestReportSubmittedOnlyOKInNoWait(t *testing.T) {
	r := NewDeploymentReport("run-1", "dev")
	require.NoError(t, r.Add(DeploymentResult{Host: "core", State: DeploySubmitted}))
	assert.False(t, r.OK())

	r.NoWait = true
	assert.True(t, r.OK())
	assert.Equal(t, 0, r.ExitCode())
}

func TestEmptyReportIsOK(t *testing.T) {
	assert.True(t, NewDeploymentReport("run-1", "dev").OK())
}

func TestTailOutput(t *testing.T) {
	assert.Equal(t, "out\nerr", TailOutput("out", "err", 100))
	assert.Equal(t, "out\n", TailOutput("out\n", "", 100))

	long := strings.Repeat("a", 600) + "END"
	got := TailOutput(long, "", OutputTailBytes)
	assert.Len(t, got, OutputTailBytes)
	assert.True(t, strings.HasSuffix(got, "END"))
}

func TestTailOutputKeepsRunesWhole(t *testing.T) {
	// "é" is two bytes; an odd limit would otherwise land inside one.
	long := strings.Repeat("é", 300)
	got := TailOutput(long, "", 11)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("é", 5), got)
}

func TestValidEnvironment(t *testing.T) {
	for _, env := range []string{"dev", "staging", "prod"} {
		assert.True(t, ValidEnvironment(env), env)
	}
	for _, env := range []string{"", "qa", "PROD", "prod;id"} {
		assert.False(t, ValidEnvironment(env), env)
	}
}

func TestTierRankAndStates(t *testing.T) {
	assert.Less(t, TierData.Rank(), TierMessaging.Rank())
	assert.Less(t, TierApplication.Rank(), TierEdge.Rank())
	assert.Equal(t, -1, HostTier("bogus").Rank())

	assert.True(t, CommandTimedOut.Terminal())
	assert.False(t, CommandInProgress.Terminal())
	assert.False(t, HealthInitial.Terminal())
	assert.True(t, HealthUnhealthy.Terminal())
	assert.False(t, HostKind("cache").Valid())
}
