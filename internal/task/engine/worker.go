package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"recurd/internal/eventbus"
	logx "recurd/pkg/logx"
	"runtime/debug"
	"time"
)

// slowTask is the duration from which a finished task is logged at info.
const slowTask = 750 * time.Millisecond

func (s *Service) work(ctx context.Context, p *pool, idx int) {
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(idx)))
	for {
		// Stop wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case q := <-p.queue:
			s.inFlight.Add(1)
			s.execute(ctx, p.quit, q, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execute(ctx context.Context, quit <-chan struct{}, q queued, rng *rand.Rand) {
	cfg := s.config()
	t := q.task
	start := time.Now()
	waited := max(start.Sub(q.at), 0)
	if cfg.MaxQueueDelay > 0 && waited > cfg.MaxQueueDelay {
		s.dropStale(cfg, t, start, waited)
		s.finish(t, ErrStale)
		return
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	limit := t.attempts(cfg)
	attempts := 0
	var err error
	for attempts < limit {
		attempts++
		if err = s.attempt(ctx, t, timeout); err == nil || IsPermanent(err) || attempts == limit {
			break
		}
		delay := backoff(cfg, attempts, rng)
		s.log.Debug("task retry", logx.String("task", t.Name), logx.Int("attempt", attempts+1), logx.Duration("delay", delay), logx.Err(err))
		if werr := sleep(ctx, quit, delay); werr != nil {
			err = werr
			break
		}
	}
	err = unwrapPermanent(err)

	end := time.Now()
	ev := TaskEvent{
		ID:         t.ID,
		Name:       t.Name,
		Key:        t.Key,
		Started:    start,
		QueueDelay: waited,
		Duration:   end.Sub(start),
		Attempts:   attempts,
	}
	log := s.log.With(logx.String("task", t.Name), logx.String("key", t.Key))
	switch {
	case err != nil:
		ev.Error = err.Error()
		log.Warn("task failed", logx.Err(err), logx.Duration("took", ev.Duration), logx.Int("attempts", attempts))
		s.publish(eventbus.TaskFailed, ev)
	case ev.Duration >= slowTask:
		log.Info("task done", logx.Duration("took", ev.Duration), logx.Int("attempts", attempts))
		s.publish(eventbus.TaskDone, ev)
	default:
		log.Debug("task done", logx.Duration("took", ev.Duration), logx.Int("attempts", attempts))
		s.publish(eventbus.TaskDone, ev)
	}

	if !errors.Is(err, ErrStopping) && !errors.Is(err, context.Canceled) {
		s.breaker.observe(cfg.Breaker, t.Key, end, err)
	}
	s.remember(cfg, ev)
	s.finish(t, err)
}

// attempt runs t once. A panic is returned as a permanent error and the
// worker carries on.
func (s *Service) attempt(ctx context.Context, t Task, timeout time.Duration) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("panic: %v", r))
			s.log.Error("task panic", logx.String("task", t.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return t.Run(ctx)
}

func sleep(ctx context.Context, quit <-chan struct{}, d time.Duration) error {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-quit:
		return ErrStopping
	case <-tmr.C:
		return nil
	}
}

// backoff doubles RetryBase per retry up to RetryMaxDelay and spreads the
// result by RetryJitter. A nil rng skips the jitter.
func backoff(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	if rng != nil && cfg.RetryJitter > 0 {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*cfg.RetryJitter))
	}
	return min(max(d, 0), cfg.RetryMaxDelay)
}
