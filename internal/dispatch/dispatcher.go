// Package dispatch sends notifications to a set of guests over a set of
// channels. Each (guest, channel) pair is an independent attempt; a batch
// settles attempts concurrently and never fails as a whole.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"wedding-campaign/internal/apperr"
	"wedding-campaign/internal/models"
	"wedding-campaign/internal/notify"
)

const (
	defaultConcurrency    = 8
	defaultAttemptTimeout = 30 * time.Second
	defaultRetain         = 50
)

// GuestRecorder records attempt outcomes on guests.
type GuestRecorder interface {
	RecordAttempt(ctx context.Context, id string, success bool, at time.Time) (models.Guest, error)
}

// Renderer renders a template for one guest.
type Renderer interface {
	Render(template string, guest models.Guest) string
}

// Config bounds a dispatcher.
type Config struct {
	Concurrency    int
	AttemptTimeout time.Duration
	// Retain is how many batches stay available through Batch.
	Retain int
}

// Options configures a Dispatcher.
type Options struct {
	Config Config
	Hub    *notify.Hub
	Now    func() time.Time
	Logger zerolog.Logger
}

// Request is one dispatch.
type Request struct {
	Guests   []models.Guest
	Channels []models.Channel
	Template string
}

// Dispatcher runs batches.
type Dispatcher struct {
	guests   GuestRecorder
	renderer Renderer
	adapters map[models.Channel]Adapter
	cfg      Config
	hub      *notify.Hub
	now      func() time.Time
	log      zerolog.Logger

	mu      sync.Mutex
	batches map[string]*Batch
	order   []string
}

// New creates a dispatcher. Later adapters replace earlier ones for the same channel.
func New(guests GuestRecorder, renderer Renderer, adapters []Adapter, opts Options) *Dispatcher {
	cfg := opts.Config
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.Retain <= 0 {
		cfg.Retain = defaultRetain
	}
	d := &Dispatcher{
		guests:   guests,
		renderer: renderer,
		adapters: make(map[models.Channel]Adapter, len(adapters)),
		cfg:      cfg,
		hub:      opts.Hub,
		now:      opts.Now,
		log:      opts.Logger.With().Str("component", "Dispatcher").Logger(),
		batches:  make(map[string]*Batch),
	}
	if d.now == nil {
		d.now = time.Now
	}
	for _, a := range adapters {
		d.adapters[a.Channel()] = a
	}
	return d
}

// Channels lists the channels that have an adapter.
func (d *Dispatcher) Channels() []models.Channel {
	out := make([]models.Channel, 0, len(d.adapters))
	for _, ch := range []models.Channel{models.ChannelWhatsApp, models.ChannelEmail, models.ChannelManual} {
		if _, ok := d.adapters[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// Dispatch validates req and starts a batch. It returns before any attempt
// settles; use the Batch to follow progress. The batch is detached from the
// cancellation of ctx; call Batch.Cancel to stop it.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Batch, error) {
	channels, err := d.resolveChannels(req.Channels)
	if err != nil {
		return nil, err
	}

	type pair struct {
		guest   models.Guest
		adapter Adapter
	}
	pairs := make([]pair, 0, len(req.Guests)*len(channels))
	for _, g := range req.Guests {
		for _, ch := range channels {
			pairs = append(pairs, pair{guest: g, adapter: d.adapters[ch]})
		}
	}

	base := context.WithoutCancel(ctx)
	submitCtx, stop := context.WithCancel(base)
	b := newBatch(uuid.NewString(), len(pairs), req.Template, d.now(), stop)
	d.remember(b)

	d.log.Info().
		Str("batch_id", b.ID).
		Int("guests", len(req.Guests)).
		Int("channels", len(channels)).
		Int("attempts", len(pairs)).
		Msg("Dispatch started")

	go func() {
		sem := semaphore.NewWeighted(int64(d.cfg.Concurrency))
		var wg sync.WaitGroup
		for _, p := range pairs {
			if b.cancelRequested() {
				break
			}
			if err := sem.Acquire(submitCtx, 1); err != nil {
				break
			}
			if b.cancelRequested() {
				sem.Release(1)
				break
			}
			idx := b.submit(models.NotificationAttempt{
				ID:        uuid.NewString(),
				BatchID:   b.ID,
				GuestID:   p.guest.ID,
				Channel:   p.adapter.Channel(),
				Status:    models.AttemptSending,
				Timestamp: d.now(),
			})
			wg.Add(1)
			go func(p pair, idx int) {
				defer wg.Done()
				defer sem.Release(1)
				d.run(base, b, idx, p.guest, p.adapter)
			}(p, idx)
		}
		wg.Wait()

		state := b.finish(d.now())
		pr := b.Progress()
		d.log.Info().
			Str("batch_id", b.ID).
			Str("state", string(state)).
			Int("completed", pr.Completed).
			Int("total", pr.Total).
			Int("succeeded", pr.Succeeded).
			Int("failed", pr.Failed).
			Msg("Dispatch finished")
		d.hub.Publish(notify.BatchFinished, b.ID)
	}()

	return b, nil
}

// Batch returns a recent batch by id.
func (d *Dispatcher) Batch(id string) (*Batch, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.batches[id]
	return b, ok
}

func (d *Dispatcher) run(ctx context.Context, b *Batch, idx int, guest models.Guest, adapter Adapter) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	msg := Message{
		Guest:   guest,
		Channel: adapter.Channel(),
		Body:    d.renderer.Render(b.template, guest),
	}

	type result struct {
		status models.AttemptStatus
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{status: models.AttemptFailed, err: fmt.Errorf("adapter panic: %v", r)}
			}
		}()
		status, err := adapter.Send(attemptCtx, msg)
		ch <- result{status: status, err: err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-attemptCtx.Done():
		res = result{status: models.AttemptFailed, err: attemptCtx.Err()}
	}

	var errMsg string
	switch {
	case res.err != nil:
		if errors.Is(res.err, context.DeadlineExceeded) {
			res.err = fmt.Errorf("timed out after %s", d.cfg.AttemptTimeout)
		}
		errMsg = apperr.Wrap(apperr.CodeDispatch, res.err, "%s delivery failed", msg.Channel).Error()
		res.status = models.AttemptFailed
	case !res.status.Succeeded():
		errMsg = fmt.Sprintf("%s adapter returned status %q", msg.Channel, res.status)
		res.status = models.AttemptFailed
	}

	at := d.now()
	success := res.status.Succeeded()
	_, recordErr := d.guests.RecordAttempt(ctx, guest.ID, success, at)
	if recordErr != nil {
		d.log.Error().Err(recordErr).Str("guest_id", guest.ID).Msg("Failed to record attempt")
	}
	b.settle(idx, res.status, errMsg, at, recordErr)

	a := b.attempt(idx)
	ev := d.log.Debug()
	if !success {
		ev = d.log.Warn().Str("error", errMsg)
	}
	ev.Str("batch_id", b.ID).
		Str("guest_id", guest.ID).
		Str("channel", string(a.Channel)).
		Str("status", string(a.Status)).
		Msg("Attempt settled")
	d.hub.Publish(notify.AttemptSettled, b.ID)
}

func (d *Dispatcher) resolveChannels(requested []models.Channel) ([]models.Channel, error) {
	if len(requested) == 0 {
		return nil, apperr.Validation("at least one channel is required")
	}
	seen := make(map[models.Channel]bool, len(requested))
	out := make([]models.Channel, 0, len(requested))
	for _, ch := range requested {
		if !ch.Valid() {
			return nil, apperr.Validation("unknown channel %q", ch)
		}
		if _, ok := d.adapters[ch]; !ok {
			return nil, apperr.Validation("channel %q is not configured", ch)
		}
		if seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out, nil
}

func (d *Dispatcher) remember(b *Batch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches[b.ID] = b
	d.order = append(d.order, b.ID)
	for len(d.order) > d.cfg.Retain {
		oldest, ok := d.batches[d.order[0]]
		if ok && oldest.State() == StateRunning {
			break
		}
		delete(d.batches, d.order[0])
		d.order = d.order[1:]
	}
}
