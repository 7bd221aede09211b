package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"BucketLender/internal/core"
	"BucketLender/internal/observability"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const JobRebalance = "rebalance"

// Rebalancer submits a rebalance command and waits for the core's verdict.
type Rebalancer interface {
	SubmitRebalance(ctx context.Context, key string) error
}

// Keeper runs housekeeping commands on a cron schedule. Every run goes
// through the normal command path so it is sequenced and logged like any
// other command.
type Keeper struct {
	cron       *cron.Cron
	rebalancer Rebalancer
	metrics    *observability.Metrics
	logger     zerolog.Logger
	timeout    time.Duration
	now        func() time.Time
}

func New(rebalancer Rebalancer, metrics *observability.Metrics) *Keeper {
	return &Keeper{
		cron:       cron.New(),
		rebalancer: rebalancer,
		metrics:    metrics,
		logger:     observability.NewLogger("keeper"),
		timeout:    30 * time.Second,
		now:        time.Now,
	}
}

// Register schedules the rebalance job. schedule is a standard five-field cron
// expression or a descriptor such as "@every 1h".
func (k *Keeper) Register(schedule string) error {
	if _, err := k.cron.AddFunc(schedule, func() { k.RunRebalance(context.Background()) }); err != nil {
		return fmt.Errorf("register %s job %q: %w", JobRebalance, schedule, err)
	}
	return nil
}

// Start runs the scheduler until ctx is cancelled, then waits for a running
// job to finish.
func (k *Keeper) Start(ctx context.Context) {
	k.cron.Start()
	k.logger.Info().Int("jobs", len(k.cron.Entries())).Msg("keeper started")
	<-ctx.Done()
	<-k.cron.Stop().Done()
	k.logger.Info().Msg("keeper stopped")
}

// RunRebalance submits one rebalance keyed by the minute it runs in, so a
// job retried within the same minute is deduplicated by the core.
func (k *Keeper) RunRebalance(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	key := fmt.Sprintf("keeper-%s-%s", JobRebalance, k.now().UTC().Format("200601021504"))
	err := k.rebalancer.SubmitRebalance(ctx, key)

	status := "ok"
	var rej *core.RejectionError
	switch {
	case err == nil:
		k.logger.Debug().Str("key", key).Msg("rebalance applied")
	case errors.As(err, &rej):
		status = "rejected"
		k.logger.Warn().Str("key", key).Str("reason", rej.Reason).Err(rej.Err).Msg("rebalance rejected")
	default:
		status = "error"
		k.logger.Error().Str("key", key).Err(err).Msg("rebalance failed")
	}
	if k.metrics != nil {
		k.metrics.KeeperRuns.WithLabelValues(JobRebalance, status).Inc()
	}
	return err
}
