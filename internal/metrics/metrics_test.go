package metrics

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeExposesRegistry(t *testing.T) {
	m := New()
	srv, err := m.Serve("127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Shutdown(context.Background())

	m.Ticks.WithLabelValues("INFY").Add(2)
	SetBool(m.KillSwitch, true)
	m.ObserveBrokerCall("place", 120*time.Millisecond, nil)

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `trader_ticks_total{instrument="INFY"} 2`)
	assert.Contains(t, string(body), "trader_kill_switch_engaged 1")
	assert.Contains(t, string(body), `trader_broker_call_seconds_count{op="place",result="ok"} 1`)
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.DroppedTicks.Inc()
	b.ObserveBrokerCall("cancel", time.Second, stderrors.New("timeout"))

	assert.Equal(t, 1.0, testutil.ToFloat64(a.DroppedTicks))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.DroppedTicks))
	assert.Equal(t, 1, testutil.CollectAndCount(b.BrokerCallTime))

	SetBool(a.FeedConnected, false)
	assert.Equal(t, 0.0, testutil.ToFloat64(a.FeedConnected))
}
