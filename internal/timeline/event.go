// Package timeline merges the activity history recorded by a platform with
// the messages found in an external mailbox.
package timeline

import (
	"context"
	"time"
)

type Category string

const (
	CategoryInvitation         Category = "invitation"
	CategoryReminder           Category = "reminder"
	CategoryDecline            Category = "decline"
	CategorySubmissionReceived Category = "submission-received"
	CategoryDecisionSent       Category = "decision-sent"
	CategoryOther              Category = "other"
)

type Source string

const (
	SourcePlatform Source = "platform"
	SourceExternal Source = "external"
)

type Event struct {
	ItemID       string    `json:"item_id"`
	Time         time.Time `json:"time"`
	Category     Category  `json:"category"`
	Participants []string  `json:"participants,omitempty"`
	Source       Source    `json:"source"`
	Text         string    `json:"text,omitempty"`
}

// Message is a message found in the external message source.
type Message struct {
	ID      string
	Time    time.Time
	From    string
	To      []string
	Subject string
	Body    string
}

// MessageSource searches an external message store for messages mentioning
// query that were received at or after `after`.
type MessageSource interface {
	Search(ctx context.Context, query string, after time.Time) ([]Message, error)
}

type Confidence string

const (
	ConfidenceFull    Confidence = "full"
	ConfidenceReduced Confidence = "reduced"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeDeclined  Outcome = "declined"
	OutcomeResponded Outcome = "responded"
	OutcomePending   Outcome = "pending"
)

type ParticipantMetrics struct {
	Participant string     `json:"participant"`
	InvitedAt   time.Time  `json:"invited_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
	// LatencyHours is the time between the invitation and the response.
	LatencyHours float64 `json:"latency_hours,omitempty"`
	Reminders    int     `json:"reminders"`
	Outcome      Outcome `json:"outcome"`
	Reliability  float64 `json:"reliability"`
}

type Result struct {
	Timeline   []Event              `json:"timeline"`
	Metrics    []ParticipantMetrics `json:"metrics"`
	Confidence Confidence           `json:"confidence"`
	Warning    string               `json:"warning,omitempty"`
}
