package recorder

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/encoder"
	"github.com/fsnotify/fsnotify"
)

// Block until every stream's manifest lists at least expected segments.
//
// Manifest changes are picked up through filesystem notifications, with a
// periodic re-read on top in case notifications are unavailable or missed.
// A stream whose encoder has already exited is not waited for.
func (o *Orchestrator) drain(ctx context.Context, streams []*StreamSession, expected int) error {
	start := time.Now()
	defer func() {
		o.metrics.DrainDuration.Observe(time.Since(start).Seconds())
	}()

	pending := make([]*StreamSession, 0, len(streams))
	for _, s := range streams {
		if s.encoder != nil {
			pending = append(pending, s)
		}
	}
	if expected <= 0 || len(pending) == 0 {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		o.logger.Warn("manifest notifications unavailable, polling only", "err", err)
		watcher = nil
	} else {
		defer watcher.Close()
		for _, s := range pending {
			if err := watcher.Add(s.dir); err != nil {
				o.logger.Warn("could not watch stream directory", "dir", s.dir, "err", err)
			}
		}
	}

	ticker := time.NewTicker(o.config.DrainPollInterval)
	defer ticker.Stop()

	var timeout <-chan time.Time
	if o.config.DrainTimeout > 0 {
		timer := time.NewTimer(o.config.DrainTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	o.logger.Info("waiting for encoders to flush", "expectedSegments", expected)
	for {
		pending = o.stillPending(pending, expected)
		if len(pending) == 0 {
			o.logger.Info("encoders flushed", "took", time.Since(start))
			return nil
		}

		var events chan fsnotify.Event
		var errs chan error
		if watcher != nil {
			events = watcher.Events
			errs = watcher.Errors
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			o.metrics.DrainTimeouts.Inc()
			return fmt.Errorf("%w: %d stream(s) below %d segments after %s",
				ErrDrainTimedOut, len(pending), expected, o.config.DrainTimeout)
		case <-ticker.C:
		case event, ok := <-events:
			if !ok {
				watcher = nil
				continue
			}
			if filepath.Base(event.Name) != encoder.ManifestName {
				continue
			}
		case err, ok := <-errs:
			if !ok {
				watcher = nil
				continue
			}
			o.logger.Warn("manifest watch error", "err", err)
		}
	}
}

// The subset of streams that still have fewer than expected segments.
func (o *Orchestrator) stillPending(streams []*StreamSession, expected int) []*StreamSession {
	res := streams[:0]
	for _, s := range streams {
		n, err := s.segments()
		if err != nil {
			o.logger.Warn("could not read manifest", "dir", s.dir, "err", err)
		}
		o.metrics.SegmentsProduced.WithLabelValues(s.direction.String()).Set(float64(n))
		if n >= expected {
			continue
		}

		select {
		case <-s.encoder.Exited():
			o.logger.Warn("encoder exited before flushing",
				"direction", s.direction,
				"segments", n,
				"expectedSegments", expected,
			)
			continue
		default:
		}
		res = append(res, s)
	}
	return res
}
