package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()

	c.MessageSent("TEXT")
	c.MessageSent("TEXT")
	c.MessageSent("PROPOSAL")
	c.MessageReceived()
	c.RateLimited()
	c.ReconnectAttempt()
	c.Drain(3)
	c.Dropped(2)
	c.Dropped(0)
	c.Error("transport")
	c.Status(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.sent.WithLabelValues("TEXT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sent.WithLabelValues("PROPOSAL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.received))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rateLimited))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.drains))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.queueDepth))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.dropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errors.WithLabelValues("transport")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.status))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.MessageSent("TEXT")
		c.MessageReceived()
		c.RateLimited()
		c.ReconnectAttempt()
		c.Drain(1)
		c.Dropped(1)
		c.Error("x")
		c.QueueDepth(1)
		c.Status(1)
	})
	assert.Nil(t, c.Registry())
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.QueueDepth(7)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tradechat_queue_depth 7")
}
