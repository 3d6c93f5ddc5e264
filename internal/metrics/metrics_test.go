package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-solarman/internal/domain"
)

func TestOnStatus(t *testing.T) {
	m := New()
	ctx := context.Background()
	success := time.Date(2026, time.June, 1, 12, 0, 0, 0, time.UTC)

	m.OnStatus(ctx, domain.DeviceStatus{
		Name:        "balcony",
		Phase:       domain.PhaseIdle,
		Available:   true,
		LastPower:   412.3,
		LastSuccess: success,
		Polls:       3,
		Failures:    1,
		Snapshot:    domain.Snapshot{"ac_output_power": 412.3, "running_status": "Normal"},
	})

	assert.Equal(t, 3.0, testutil.ToFloat64(m.polls.WithLabelValues("balcony")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("balcony")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.available.WithLabelValues("balcony")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.backoff.WithLabelValues("balcony")))
	assert.Equal(t, 412.3, testutil.ToFloat64(m.lastPower.WithLabelValues("balcony")))
	assert.Equal(t, float64(success.Unix()), testutil.ToFloat64(m.lastSuccess.WithLabelValues("balcony")))
	assert.Equal(t, 412.3, testutil.ToFloat64(m.values.WithLabelValues("balcony", "ac_output_power")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.values), "text values are not exported")

	m.OnStatus(ctx, domain.DeviceStatus{Name: "balcony", Phase: domain.PhaseBackoff, Available: true, Polls: 5, Failures: 2})
	assert.Equal(t, 5.0, testutil.ToFloat64(m.polls.WithLabelValues("balcony")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.failures.WithLabelValues("balcony")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backoff.WithLabelValues("balcony")))

	// A reconfigured device restarts its counters.
	m.OnStatus(ctx, domain.DeviceStatus{Name: "balcony", Polls: 1})
	assert.Equal(t, 6.0, testutil.ToFloat64(m.polls.WithLabelValues("balcony")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.available.WithLabelValues("balcony")))
}

func TestRemove(t *testing.T) {
	m := New()
	m.OnStatus(context.Background(), domain.DeviceStatus{
		Name:     "balcony",
		Polls:    1,
		Snapshot: domain.Snapshot{"ac_output_power": 1.0},
	})

	m.Remove("balcony")
	assert.Equal(t, 0, testutil.CollectAndCount(m.values))
	assert.Equal(t, 0, testutil.CollectAndCount(m.polls))
}

func TestHandler(t *testing.T) {
	m := New()
	m.OnStatus(context.Background(), domain.DeviceStatus{Name: "balcony", Available: true, Polls: 1})

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := server.Client().Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `solarman_device_available{device="balcony"} 1`)
	assert.Contains(t, string(body), `solarman_polls_total{device="balcony"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
