package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// HistoryPruner deletes sent-reply history older than a cutoff.
type HistoryPruner interface {
	DeleteHistoryBefore(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob prunes the reply history on a fixed interval. A zero retention
// keeps history forever and the job only logs that it is idle.
type CleanupJob struct {
	history   HistoryPruner
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	done      chan struct{}
	stopped   chan struct{}
}

func NewCleanupJob(history HistoryPruner, retention, interval time.Duration) *CleanupJob {
	return &CleanupJob{
		history:   history,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	if j.retention <= 0 {
		close(j.stopped)
		log.Info().Msg("history retention disabled, cleanup job not started")
		return
	}
	go j.run()
	log.Info().Dur("interval", j.interval).Dur("retention", j.retention).Msg("cleanup job started")
}

// Stop ends the loop and waits for a running pass to finish.
func (j *CleanupJob) Stop() {
	close(j.done)
	<-j.stopped
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	defer close(j.stopped)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := j.now().Add(-j.retention)
	j.runCleanup(ctx, "message history", func(ctx context.Context) (int64, error) {
		return j.history.DeleteHistoryBefore(ctx, cutoff)
	})
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
