package dispatch

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
	"time"

	"wedding-campaign/internal/apperr"
	"wedding-campaign/internal/models"
)

// Message is one rendered notification for one guest on one channel.
type Message struct {
	Guest   models.Guest
	Channel models.Channel
	Body    string
}

// Adapter delivers messages over a single channel. Send returns a success
// status (sent, delivered or read) or an error; it should honour ctx.
type Adapter interface {
	Channel() models.Channel
	Send(ctx context.Context, msg Message) (models.AttemptStatus, error)
}

// AdapterFunc turns a function into an Adapter for channel.
func AdapterFunc(channel models.Channel, fn func(ctx context.Context, msg Message) (models.AttemptStatus, error)) Adapter {
	return funcAdapter{channel: channel, fn: fn}
}

type funcAdapter struct {
	channel models.Channel
	fn      func(ctx context.Context, msg Message) (models.AttemptStatus, error)
}

func (a funcAdapter) Channel() models.Channel { return a.channel }

func (a funcAdapter) Send(ctx context.Context, msg Message) (models.AttemptStatus, error) {
	return a.fn(ctx, msg)
}

// SimulatedConfig tunes the simulated adapter.
type SimulatedConfig struct {
	FailureRate float64
	MinLatency  time.Duration
	MaxLatency  time.Duration
	// Seed makes outcomes reproducible. Zero picks a random seed.
	Seed uint64
}

// Simulated pretends to deliver: it waits a random latency, then fails with
// probability FailureRate. Successes are spread over sent, delivered and
// read for display only.
type Simulated struct {
	channel models.Channel
	cfg     SimulatedConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulated returns a simulated adapter for channel.
func NewSimulated(channel models.Channel, cfg SimulatedConfig) *Simulated {
	if cfg.FailureRate < 0 {
		cfg.FailureRate = 0
	}
	if cfg.FailureRate > 1 {
		cfg.FailureRate = 1
	}
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	seed := cfg.Seed
	if seed == 0 {
		var b [8]byte
		_, _ = crand.Read(b[:])
		seed = binary.LittleEndian.Uint64(b[:])
	}
	return &Simulated{
		channel: channel,
		cfg:     cfg,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (s *Simulated) Channel() models.Channel { return s.channel }

func (s *Simulated) Send(ctx context.Context, msg Message) (models.AttemptStatus, error) {
	s.mu.Lock()
	latency := s.cfg.MinLatency
	if spread := s.cfg.MaxLatency - s.cfg.MinLatency; spread > 0 {
		latency += time.Duration(s.rng.Int64N(int64(spread)))
	}
	fail := s.rng.Float64() < s.cfg.FailureRate
	refine := s.rng.IntN(3)
	s.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return models.AttemptFailed, ctx.Err()
		case <-timer.C:
		}
	}

	if fail {
		return models.AttemptFailed, apperr.New(apperr.CodeDispatch, "simulated %s delivery to %s failed", s.channel, msg.Guest.Name)
	}
	switch refine {
	case 0:
		return models.AttemptSent, nil
	case 1:
		return models.AttemptDelivered, nil
	default:
		return models.AttemptRead, nil
	}
}

// Manual records hand-delivered invitations. Every attempt succeeds.
type Manual struct{}

func (Manual) Channel() models.Channel { return models.ChannelManual }

func (Manual) Send(context.Context, Message) (models.AttemptStatus, error) {
	return models.AttemptDelivered, nil
}
