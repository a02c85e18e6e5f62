package dispatch

import (
	"context"
	"sync"
	"time"

	"wedding-campaign/internal/models"
)

// State is the lifecycle state of a batch.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Batch is one Dispatch call. All methods are safe for concurrent use.
type Batch struct {
	ID        string
	CreatedAt time.Time

	total    int
	template string
	stop     context.CancelFunc
	done     chan struct{}

	mu         sync.Mutex
	attempts   []models.NotificationAttempt
	completed  int
	succeeded  int
	failed     int
	cancelled  bool
	state      State
	finishedAt *time.Time
	err        error
}

// Progress is a point-in-time view of a batch.
type Progress struct {
	BatchID    string     `json:"batch_id"`
	State      State      `json:"state"`
	Total      int        `json:"total"`
	Submitted  int        `json:"submitted"`
	Completed  int        `json:"completed"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ChannelSummary aggregates the settled attempts of one channel.
type ChannelSummary struct {
	Channel        models.Channel `json:"channel"`
	Attempts       int            `json:"attempts"`
	Sent           int            `json:"sent"`
	Failed         int            `json:"failed"`
	ServedGuestIDs []string       `json:"served_guest_ids,omitempty"`
	FailedGuestIDs []string       `json:"failed_guest_ids,omitempty"`
}

func newBatch(id string, total int, template string, createdAt time.Time, stop context.CancelFunc) *Batch {
	return &Batch{
		ID:        id,
		CreatedAt: createdAt,
		total:     total,
		template:  template,
		stop:      stop,
		done:      make(chan struct{}),
		state:     StateRunning,
	}
}

// Progress returns completed/total and friends.
func (b *Batch) Progress() Progress {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := Progress{
		BatchID:   b.ID,
		State:     b.state,
		Total:     b.total,
		Submitted: len(b.attempts),
		Completed: b.completed,
		Succeeded: b.succeeded,
		Failed:    b.failed,
		CreatedAt: b.CreatedAt,
	}
	if b.finishedAt != nil {
		at := *b.finishedAt
		p.FinishedAt = &at
	}
	return p
}

// State returns the current state.
func (b *Batch) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Attempts returns a copy of the attempts submitted so far.
func (b *Batch) Attempts() []models.NotificationAttempt {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.NotificationAttempt(nil), b.attempts...)
}

// Summary groups settled attempts by channel, in the order channels were requested.
func (b *Batch) Summary(channels []models.Channel) []ChannelSummary {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]ChannelSummary, len(channels))
	index := make(map[models.Channel]int, len(channels))
	for i, ch := range channels {
		out[i].Channel = ch
		index[ch] = i
	}
	for _, a := range b.attempts {
		i, ok := index[a.Channel]
		if !ok || !a.Status.Settled() {
			continue
		}
		out[i].Attempts++
		if a.Status.Succeeded() {
			out[i].Sent++
			out[i].ServedGuestIDs = append(out[i].ServedGuestIDs, a.GuestID)
		} else {
			out[i].Failed++
			out[i].FailedGuestIDs = append(out[i].FailedGuestIDs, a.GuestID)
		}
	}
	return out
}

// Done is closed once the batch reaches a terminal state.
func (b *Batch) Done() <-chan struct{} { return b.done }

// Wait blocks until the batch finishes or ctx ends.
func (b *Batch) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops further submissions. Attempts already running still settle.
// It reports false if the batch finished or every attempt was already submitted.
func (b *Batch) Cancel() bool {
	b.mu.Lock()
	if b.state != StateRunning || b.cancelled || len(b.attempts) == b.total {
		b.mu.Unlock()
		return false
	}
	b.cancelled = true
	b.mu.Unlock()
	b.stop()
	return true
}

// Err returns the first error recording an outcome in the guest store, if any.
func (b *Batch) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *Batch) cancelRequested() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled
}

func (b *Batch) submit(a models.NotificationAttempt) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = append(b.attempts, a)
	return len(b.attempts) - 1
}

func (b *Batch) attempt(i int) models.NotificationAttempt {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts[i]
}

func (b *Batch) settle(i int, status models.AttemptStatus, errMsg string, at time.Time, recordErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts[i].Status = status
	b.attempts[i].Error = errMsg
	b.attempts[i].Timestamp = at
	b.completed++
	if status.Succeeded() {
		b.succeeded++
	} else {
		b.failed++
	}
	if recordErr != nil && b.err == nil {
		b.err = recordErr
	}
}

func (b *Batch) finish(at time.Time) State {
	b.mu.Lock()
	if b.cancelled {
		b.state = StateCancelled
	} else {
		b.state = StateCompleted
	}
	b.finishedAt = &at
	state := b.state
	b.mu.Unlock()
	b.stop()
	close(b.done)
	return state
}
