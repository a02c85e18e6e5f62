package models

import "time"

// NotificationAttempt records a single delivery attempt of one guest over one channel.
type NotificationAttempt struct {
	ID        string        `json:"id"`
	BatchID   string        `json:"batch_id"`
	GuestID   string        `json:"guest_id"`
	Channel   Channel       `json:"channel"`
	Status    AttemptStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// AttemptStatus is the delivery state of an attempt.
type AttemptStatus string

const (
	AttemptSending   AttemptStatus = "sending"
	AttemptSent      AttemptStatus = "sent"
	AttemptDelivered AttemptStatus = "delivered"
	AttemptRead      AttemptStatus = "read"
	AttemptFailed    AttemptStatus = "failed"
)

// Settled reports whether the attempt reached a terminal state.
func (s AttemptStatus) Settled() bool {
	return s != AttemptSending && s != ""
}

// Succeeded reports whether the attempt counts as a success. Sent, delivered
// and read are the same outcome for statistics.
func (s AttemptStatus) Succeeded() bool {
	return s == AttemptSent || s == AttemptDelivered || s == AttemptRead
}

// ExecutionRecord summarizes one channel of one dispatch batch.
type ExecutionRecord struct {
	ID             string           `json:"id"`
	ReminderID     string           `json:"reminder_id,omitempty"`
	BatchID        string           `json:"batch_id,omitempty"`
	ExecutedAt     time.Time        `json:"executed_at"`
	TargetCount    int              `json:"target_count"`
	SentCount      int              `json:"sent_count"`
	FailedCount    int              `json:"failed_count"`
	Channel        Channel          `json:"channel"`
	Outcome        ExecutionOutcome `json:"outcome"`
	ServedGuestIDs []string         `json:"served_guest_ids,omitempty"`
	// FailedGuestIDs received only failed attempts on this channel.
	FailedGuestIDs []string         `json:"failed_guest_ids,omitempty"`
}

// ExecutionOutcome is the aggregate result of an execution.
type ExecutionOutcome string

const (
	OutcomeSuccess   ExecutionOutcome = "success"
	OutcomePartial   ExecutionOutcome = "partial"
	OutcomeFailed    ExecutionOutcome = "failed"
	OutcomeEmpty     ExecutionOutcome = "empty"
	OutcomeCancelled ExecutionOutcome = "cancelled"
)

// OutcomeFor classifies sent/failed counts.
func OutcomeFor(sent, failed int) ExecutionOutcome {
	switch {
	case sent == 0 && failed == 0:
		return OutcomeEmpty
	case failed == 0:
		return OutcomeSuccess
	case sent == 0:
		return OutcomeFailed
	default:
		return OutcomePartial
	}
}
