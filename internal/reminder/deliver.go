package reminder

import (
	"context"
	"errors"
	"math/rand/v2"
	"recurd/internal/eventbus"
	"recurd/internal/transport"
	logx "recurd/pkg/logx"
	"time"

	"golang.org/x/time/rate"
)

type job struct {
	key   string
	occID string
	to    transport.Target
	text  string
}

func (s *Service) enqueue(ctx context.Context, j job) error {
	s.mu.Lock()
	cfg, p := s.cfg, s.line
	switch {
	case !cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case p == nil:
		s.mu.Unlock()
		return ErrStopped
	}
	p.senders.Add(1)
	s.mu.Unlock()
	defer p.senders.Done()

	if cfg.DedupWindow > 0 && !s.admit(ctx, j.key, cfg.DedupWindow) {
		s.deduped.Add(1)
		s.log.Debug("reminder deduped", logx.String("key", j.key))
		return nil
	}
	select {
	case p.queue <- j:
		return nil
	default:
		s.dedup.drop(j.key)
		s.dropped.Add(1)
		s.publish(eventbus.ReminderFailed, Event{OccurrenceID: j.occID, Key: j.key, Channel: j.to.Channel, At: s.now(), Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

// work sends queued reminders until the queue is closed (nil) or ctx ends.
func (s *Service) work(ctx context.Context, queue <-chan job) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-queue:
			if !ok {
				return nil
			}
			s.send(ctx, j)
		}
	}
}

func (s *Service) send(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, ad := s.cfg, s.limiter, s.adapter
	s.mu.Unlock()

	ev := Event{OccurrenceID: j.occID, Key: j.key, Channel: j.to.Channel}
	var err error
	if ad == nil {
		err = errors.New("no transport")
	} else {
		ev.Channel = ad.Name()
		ev.Attempts, err = s.deliver(ctx, cfg, lim, ad, j)
	}
	ev.At = s.now()

	if err == nil {
		s.confirm(ctx, j.key, cfg.DedupWindow)
		s.note(j.key, j.text)
		s.sent.Add(1)
		s.publish(eventbus.ReminderSent, ev)
		return
	}
	// Free the reservation so a later schedule may try again.
	s.dedup.drop(j.key)
	s.failed.Add(1)
	ev.Error = err.Error()
	s.log.Warn("reminder failed", logx.String("key", j.key), logx.Int("attempts", ev.Attempts), logx.Err(err))
	s.publish(eventbus.ReminderFailed, ev)
}

// deliver sends j with retries. Permanent transport errors are not retried.
func (s *Service) deliver(ctx context.Context, cfg Config, lim *rate.Limiter, ad transport.Adapter, j job) (int, error) {
	var err error
	for attempt := 1; ; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return attempt - 1, err
		}
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err = ad.SendText(sctx, j.to, j.text, nil)
		cancel()
		if err == nil {
			return attempt, nil
		}
		s.log.Debug("reminder send failed", logx.String("key", j.key), logx.Int("attempt", attempt), logx.Err(err))
		if errors.Is(err, transport.ErrPermanent) || attempt > cfg.RetryMax {
			return attempt, err
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, ctx.Err()
		case <-t.C:
		}
	}
}

// retryDelay is the pause after a failed attempt: RetryBase doubled per
// attempt, scaled by 0.7 to 1.3, at most RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for range attempt - 1 {
		if d >= cfg.RetryMaxDelay {
			break
		}
		d *= 2
	}
	d = time.Duration(float64(min(d, cfg.RetryMaxDelay)) * (0.7 + 0.6*rand.Float64()))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
