package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.EventReceived("new_message")
	c.EventReceived("new_message")
	c.EventIgnored("reaction_updated")
	c.ReconnectAttempt()
	c.RESTCall("send_message", nil)
	c.RESTCall("send_message", errors.New("boom"))
	c.ConnectionState("connected", []string{"connected", "failed"})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.eventsReceived.WithLabelValues("new_message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.staleEvents.WithLabelValues("reaction_updated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.restCalls.WithLabelValues("send_message", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.restCalls.WithLabelValues("send_message", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connectionState.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.connectionState.WithLabelValues("failed")))
}

func TestNilCollectors(t *testing.T) {
	var c *Collectors
	c.EventReceived("x")
	c.EventIgnored("x")
	c.ReconnectAttempt()
	c.ConnectionState("connected", []string{"connected"})
	c.RESTCall("op", nil)
}
