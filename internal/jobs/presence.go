package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rdsconnect/screen-server/internal/metrics"
)

type PresenceStore interface {
	TouchLastSeen(ctx context.Context, ids []string) (int64, error)
	MarkStaleOffline(ctx context.Context, seenBefore time.Time, exclude []string) (int64, error)
}

type LiveDevices interface {
	DeviceIDs() []string
}

// PresenceJob keeps last_seen_at fresh for live devices and flips devices
// that stopped reporting back to OFFLINE. It covers sessions lost to a
// crash, where no disconnect ever ran.
type PresenceJob struct {
	store      PresenceStore
	live       LiveDevices
	metrics    *metrics.Metrics
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
	done       chan struct{}
}

func NewPresenceJob(
	store PresenceStore,
	live LiveDevices,
	m *metrics.Metrics,
	interval time.Duration,
	staleAfter time.Duration,
) *PresenceJob {
	return &PresenceJob{
		store:      store,
		live:       live,
		metrics:    m,
		interval:   interval,
		staleAfter: staleAfter,
		now:        time.Now,
		done:       make(chan struct{}),
	}
}

func (j *PresenceJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Dur("staleAfter", j.staleAfter).Msg("presence job started")
}

func (j *PresenceJob) Stop() {
	close(j.done)
	log.Info().Msg("presence job stopped")
}

func (j *PresenceJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweep()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *PresenceJob) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	live := j.live.DeviceIDs()
	j.metrics.SetConnectedDevices(len(live))

	j.runStep(ctx, "touched live devices", func(ctx context.Context) (int64, error) {
		return j.store.TouchLastSeen(ctx, live)
	})
	j.runStep(ctx, "marked stale devices offline", func(ctx context.Context) (int64, error) {
		return j.store.MarkStaleOffline(ctx, j.now().Add(-j.staleAfter), live)
	})
}

func (j *PresenceJob) runStep(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("presence sweep failed: %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msg(name)
	}
}
