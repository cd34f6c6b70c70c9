package freshness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentkernel/kernel/internal/driver"
	"github.com/agentkernel/kernel/internal/kernelerrors"
)

type fakeDriver struct {
	driver.Driver
	freshness driver.Freshness
	err       error
}

func (f *fakeDriver) Freshness(ctx context.Context, agentID string) (driver.Freshness, error) {
	return f.freshness, f.err
}

func TestClassify(t *testing.T) {
	th := Thresholds{StaleSeconds: 30, UnknownSeconds: 300}
	require.Equal(t, driver.FreshnessFresh, Classify(th, 10))
	require.Equal(t, driver.FreshnessStale, Classify(th, 100))
	require.Equal(t, driver.FreshnessUnknown, Classify(th, 1000))
}

func TestCheck_FreshPasses(t *testing.T) {
	d := &fakeDriver{freshness: driver.Freshness{Status: driver.FreshnessFresh}}
	reason, err := Check(context.Background(), d, "agt_1", false)
	require.NoError(t, err)
	require.Empty(t, reason)
}

func TestCheck_StaleBlocksWithoutOverride(t *testing.T) {
	d := &fakeDriver{freshness: driver.Freshness{Status: driver.FreshnessStale}}
	reason, err := Check(context.Background(), d, "agt_1", false)
	require.NoError(t, err)
	require.Equal(t, kernelerrors.Reason("env_stale"), reason)
}

func TestCheck_UnknownBlocksWithoutOverride(t *testing.T) {
	d := &fakeDriver{freshness: driver.Freshness{Status: driver.FreshnessUnknown}}
	reason, err := Check(context.Background(), d, "agt_1", false)
	require.NoError(t, err)
	require.Equal(t, kernelerrors.Reason("env_unknown"), reason)
}

func TestCheck_OverrideBypassesStale(t *testing.T) {
	d := &fakeDriver{freshness: driver.Freshness{Status: driver.FreshnessStale}}
	reason, err := Check(context.Background(), d, "agt_1", true)
	require.NoError(t, err)
	require.Empty(t, reason)
}

func TestCheck_ObservationFailureBlocks(t *testing.T) {
	d := &fakeDriver{err: assertErr{}}
	reason, err := Check(context.Background(), d, "agt_1", false)
	require.NoError(t, err)
	require.Equal(t, kernelerrors.ReasonEnvObservationFailed, reason)
}

type assertErr struct{}

func (assertErr) Error() string { return "observation failed" }
