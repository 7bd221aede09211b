package keeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"BucketLender/internal/core"
	"BucketLender/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRebalancer struct {
	keys []string
	err  error
}

func (f *fakeRebalancer) SubmitRebalance(_ context.Context, key string) error {
	f.keys = append(f.keys, key)
	return f.err
}

func newTestKeeper(r Rebalancer) (*Keeper, *observability.Metrics) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	k := New(r, metrics)
	k.now = func() time.Time { return time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC) }
	return k, metrics
}

func TestRunRebalance_KeyedByMinute(t *testing.T) {
	r := &fakeRebalancer{}
	k, metrics := newTestKeeper(r)

	require.NoError(t, k.RunRebalance(context.Background()))
	require.NoError(t, k.RunRebalance(context.Background()))

	assert.Equal(t, []string{"keeper-rebalance-202403011230", "keeper-rebalance-202403011230"}, r.keys)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.KeeperRuns.WithLabelValues(JobRebalance, "ok")))
}

func TestRunRebalance_Outcomes(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status string
	}{
		{"rejected", &core.RejectionError{EventType: "BucketsRebalance", Key: "k", Reason: "state", Err: errors.New("frozen")}, "rejected"},
		{"timeout", context.DeadlineExceeded, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, metrics := newTestKeeper(&fakeRebalancer{err: tt.err})
			err := k.RunRebalance(context.Background())
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, 1.0, testutil.ToFloat64(metrics.KeeperRuns.WithLabelValues(JobRebalance, tt.status)))
		})
	}
}

func TestRegister_RejectsBadSchedule(t *testing.T) {
	k, _ := newTestKeeper(&fakeRebalancer{})
	assert.Error(t, k.Register("every now and then"))
	require.NoError(t, k.Register("@every 1h"))
	assert.Len(t, k.cron.Entries(), 1)
}

func TestStart_StopsOnCancel(t *testing.T) {
	k, _ := newTestKeeper(&fakeRebalancer{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		k.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("keeper did not stop")
	}
}
