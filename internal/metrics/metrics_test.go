package metrics_test

import (
	"errors"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bavix/devpair/internal/metrics"
)

func TestGatherStats_CountsIntentsAndPresence(t *testing.T) {
	t.Parallel()

	before, err := metrics.GatherStats(nil, metrics.Service())
	require.NoError(t, err)

	metrics.ObserveIntent("validate", 20*time.Millisecond, nil)
	metrics.ObserveIntent("validate", 40*time.Millisecond, errors.New("boom"))
	metrics.M.TrackedPresence.Set(3)
	metrics.M.DiscoveryAccepted.Inc()
	metrics.SetReady(true)

	after, err := metrics.GatherStats(nil, metrics.Service())
	require.NoError(t, err)

	assert.InDelta(t, before.IntentsTotal+2, after.IntentsTotal, 0.001)
	assert.InDelta(t, before.IntentErrorsTotal+1, after.IntentErrorsTotal, 0.001)
	assert.GreaterOrEqual(t, after.IntentsByKind["validate"], 2.0)
	assert.Greater(t, after.IntentAvgSeconds, 0.0)
	assert.InDelta(t, 3.0, after.TrackedPresence, 0.001)
	assert.GreaterOrEqual(t, after.DiscoveryAccepted, 1.0)
	assert.InDelta(t, 1.0, after.ServiceReady, 0.001)
	assert.True(t, metrics.IsReady())
}

func TestGatherStats_CustomGathererIgnoresOtherServices(t *testing.T) {
	t.Parallel()

	reg := prom.NewRegistry()
	vec := prom.NewCounterVec(prom.CounterOpts{Name: "devpair_intents_total"}, []string{"service", "intent", "outcome"})
	reg.MustRegister(vec)

	vec.WithLabelValues("other", "devices", metrics.OutcomeSuccess).Add(5)
	vec.WithLabelValues("mine", "devices", metrics.OutcomeSuccess).Add(2)

	stats, err := metrics.GatherStats(reg, "mine")
	require.NoError(t, err)

	assert.InDelta(t, 2.0, stats.IntentsTotal, 0.001)
	assert.InDelta(t, 2.0, stats.IntentsByKind["devices"], 0.001)
}
