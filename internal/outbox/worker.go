package outbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"egoipush/internal/eventbus"
	"egoipush/internal/storage"
	logx "egoipush/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan storage.JobRecord, idx int) {
	// Per-worker RNG avoids global lock contention on jitter.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case rec := <-queue:
			s.m.SetOutboxQueued(len(queue))
			s.execOne(ctx, stopCh, rec, rng)
			s.untrack(rec.ID)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, rec storage.JobRecord, rng *rand.Rand) {
	cfg := s.config()
	start := time.Now()
	log := s.log.With(logx.String("id", rec.ID), logx.String("kind", rec.Kind))

	h, ok := s.handler(rec.Kind)
	if !ok {
		log.Warn("no handler for persisted job; leaving it in place")
		return
	}

	if rec.Attempts >= cfg.MaxAttempts {
		s.finish(ctx, rec, start, OutcomeExhausted, errors.New("attempt budget already spent"), cfg)
		return
	}

	if s.bus != nil {
		eventbus.Emit(s.bus, EventStarted, JobEvent{ID: rec.ID, Kind: rec.Kind, Attempts: rec.Attempts})
	}

	var err error
	for rec.Attempts < cfg.MaxAttempts {
		rec.Attempts++
		if perr := s.store.PutJob(ctx, rec); perr != nil {
			log.Warn("failed to persist attempt count", logx.Err(perr))
		}

		err = s.attempt(ctx, h, rec, cfg.Timeout)
		if err == nil {
			s.finish(ctx, rec, start, OutcomeSuccess, nil, cfg)
			return
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			s.finish(ctx, rec, start, OutcomeFailed, nr.err, cfg)
			return
		}
		if rec.Attempts >= cfg.MaxAttempts {
			break
		}

		s.m.OutboxJob(rec.Kind, OutcomeRetry)
		delay := backoffDelayWithHint(cfg, rec.Attempts, err, rng)
		log.Debug("job retry scheduled", logx.Int("attempt", rec.Attempts+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return
		case <-stopCh:
			// Record stays persisted with its attempt count.
			tmr.Stop()
			return
		case <-tmr.C:
		}
	}
	s.finish(ctx, rec, start, OutcomeExhausted, err, cfg)
}

func (s *Service) attempt(ctx context.Context, h Handler, rec storage.JobRecord, timeout time.Duration) (err error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job panic", logx.String("kind", rec.Kind), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return h(runCtx, rec.Payload)
}

func (s *Service) finish(ctx context.Context, rec storage.JobRecord, start time.Time, outcome string, err error, cfg Config) {
	if derr := s.store.DeleteJob(context.WithoutCancel(ctx), rec.ID); derr != nil {
		s.log.Warn("failed to delete finished job", logx.String("id", rec.ID), logx.Err(derr))
	}
	dur := time.Since(start)
	item := HistoryItem{ID: rec.ID, Kind: rec.Kind, Started: start, Duration: dur, Attempts: rec.Attempts, Outcome: outcome}
	ev := JobEvent{ID: rec.ID, Kind: rec.Kind, Attempts: rec.Attempts, Duration: dur}

	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("job failed",
			logx.String("id", rec.ID),
			logx.String("kind", rec.Kind),
			logx.String("outcome", outcome),
			logx.Int("attempts", rec.Attempts),
			logx.Err(err),
		)
		if s.bus != nil {
			eventbus.Emit(s.bus, EventFailed, ev)
		}
	} else {
		s.log.Debug("job completed", logx.String("id", rec.ID), logx.String("kind", rec.Kind), logx.Int("attempts", rec.Attempts), logx.Duration("dur", dur))
		if s.bus != nil {
			eventbus.Emit(s.bus, EventFinished, ev)
		}
	}
	s.m.OutboxJob(rec.Kind, outcome)
	s.record(item, cfg.HistorySize)
}

func backoffDelayWithHint(cfg Config, attempt int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		return jitter(min(d, cfg.RetryMaxDelay), cfg, rng)
	}
	return backoffDelay(cfg, attempt, rng)
}

func backoffDelay(cfg Config, attempt int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	return jitter(d, cfg, rng)
}

func jitter(d time.Duration, cfg Config, rng *rand.Rand) time.Duration {
	if cfg.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
