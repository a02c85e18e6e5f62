package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Reminder is an automated follow-up message definition.
type Reminder struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	TriggerType    TriggerType    `json:"trigger_type"`
	TriggerValue   string         `json:"trigger_value"`
	Channels       []Channel      `json:"channels"`
	TargetAudience Audience       `json:"target_audience"`
	Filter         AudienceFilter `json:"filter"`
	Template       string         `json:"template"`
	IsActive       bool           `json:"is_active"`
	LastRun        *time.Time     `json:"last_run,omitempty"`
	NextRun        *time.Time     `json:"next_run,omitempty"`
	LastEvaluated  *time.Time     `json:"last_evaluated,omitempty"`
	// FiredAt is when a specific_date reminder was fired by the schedule.
	// On-demand runs leave it alone.
	FiredAt        *time.Time     `json:"fired_at,omitempty"`
	TotalSent      int            `json:"total_sent"`
	SuccessCount   int            `json:"success_count"`
	FailureCount   int            `json:"failure_count"`
	CreatedAt      time.Time      `json:"created_at"`
}

// TriggerType selects how a reminder decides when to fire.
type TriggerType string

const (
	TriggerDaysBeforeEvent     TriggerType = "days_before_event"
	TriggerSpecificDate        TriggerType = "specific_date"
	TriggerDaysAfterInvitation TriggerType = "days_after_invitation"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerDaysBeforeEvent, TriggerSpecificDate, TriggerDaysAfterInvitation:
		return true
	}
	return false
}

// Audience is the base guest selection of a reminder.
type Audience string

const (
	AudienceAll       Audience = "all"
	AudiencePending   Audience = "pending"
	AudienceConfirmed Audience = "confirmed"
	AudienceDeclined  Audience = "declined"
	AudienceCustom    Audience = "custom"
)

// Valid reports whether a is a known audience.
func (a Audience) Valid() bool {
	switch a {
	case AudienceAll, AudiencePending, AudienceConfirmed, AudienceDeclined, AudienceCustom:
		return true
	}
	return false
}

// AudienceFilter narrows an audience. Empty sets do not constrain.
type AudienceFilter struct {
	Statuses        []GuestStatus `json:"statuses,omitempty"`
	InvitationTypes []Channel     `json:"invitation_types,omitempty"`
}

// TriggerDays parses TriggerValue as a non-negative day count.
func (r Reminder) TriggerDays() (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(r.TriggerValue))
	if err != nil {
		return 0, fmt.Errorf("trigger value %q is not a day count: %w", r.TriggerValue, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("trigger value %d must not be negative", n)
	}
	return n, nil
}

// TriggerDate parses TriggerValue as an ISO-8601 instant or calendar date.
func (r Reminder) TriggerDate() (time.Time, error) {
	return ParseDate(r.TriggerValue)
}

// Clone returns a deep copy.
func (r Reminder) Clone() Reminder {
	out := r
	out.Channels = append([]Channel(nil), r.Channels...)
	out.Filter.Statuses = append([]GuestStatus(nil), r.Filter.Statuses...)
	out.Filter.InvitationTypes = append([]Channel(nil), r.Filter.InvitationTypes...)
	out.LastRun = cloneTime(r.LastRun)
	out.NextRun = cloneTime(r.NextRun)
	out.LastEvaluated = cloneTime(r.LastEvaluated)
	out.FiredAt = cloneTime(r.FiredAt)
	return out
}

// ParseDate accepts RFC 3339 timestamps or plain YYYY-MM-DD dates (UTC midnight).
func ParseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", value)
	}
	return t, nil
}
