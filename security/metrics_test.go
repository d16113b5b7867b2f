package security

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/gosip/stack/sip"
)

// traceLog narrates fixture setup for the metrics assertions below. It is
// a second, independent logger from the feature's own zerolog output —
// this one is about what the test is doing, not what the feature decided.
var traceLog = logrus.New()

func TestPendingRequestsGaugeReturnsToBaselineAfterFetch(t *testing.T) {
	traceLog.Debug("building harness with a fetchable cert for bob")
	h := newHarness()
	h.store.SeedFetchable(testBob, UserCertArtifact, []byte("bob-cert"))

	before := testutil.ToFloat64(pendingRequestsGauge)

	req := newTestRequest(t, sip.Encrypt, "v=0\r\n")
	h.feature.HandleOutbound("tx-metrics-1", req)
	h.waitOutbound(t)

	traceLog.Debug("fetch resolved, gauge should have settled back down")
	after := testutil.ToFloat64(pendingRequestsGauge)
	require.Equal(t, before, after)
}

func TestFetchFailuresCounterIncrementsOnUnresolvedFetch(t *testing.T) {
	h := newHarness()
	// No SeedFetchable entry for bob: the fetch the feature issues will
	// come back unsuccessful, counted by fetchFailuresTotal.
	before := testutil.ToFloat64(fetchFailuresTotal)

	req := newTestRequest(t, sip.Encrypt, "v=0\r\n")
	h.feature.HandleOutbound("tx-metrics-2", req)
	res := h.waitOutbound(t)
	require.True(t, res.dropped)

	after := testutil.ToFloat64(fetchFailuresTotal)
	require.Equal(t, before+1, after)
}
