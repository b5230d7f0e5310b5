package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncHTTP("test_endpoint")
		IncTokenRefresh("ok")
		ObserveTick("session-check", 150*time.Millisecond)
	})
}

func TestCounters(t *testing.T) {
	before := counterValue(t, gatewayCalls.WithLabelValues("send_template", "timeout"))
	IncGatewayCall("send_template", "timeout")
	IncGatewayCall("send_template", "timeout")
	assert.Equal(t, before+2, counterValue(t, gatewayCalls.WithLabelValues("send_template", "timeout")))

	before = counterValue(t, sessionTransitions.WithLabelValues("connected", "degraded"))
	IncSessionTransition("connected", "degraded")
	assert.Equal(t, before+1, counterValue(t, sessionTransitions.WithLabelValues("connected", "degraded")))

	before = counterValue(t, jobOutcomes.WithLabelValues("message", "sent"))
	IncJobOutcome("message", "sent")
	assert.Equal(t, before+1, counterValue(t, jobOutcomes.WithLabelValues("message", "sent")))
}
