package reporting

import (
	"time"

	"callsignal/internal/calls"
)

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// SummaryRequest asks for one participant's call metrics over [From, To).
type SummaryRequest struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`
}

// Counts groups entries by outcome. Talk time only accrues from completed calls.
type Counts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Missed    int `json:"missed"`
	Rejected  int `json:"rejected"`

	TotalTalkSeconds   int `json:"total_talk_seconds"`
	AverageTalkSeconds int `json:"average_talk_seconds"`
}

type Summary struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`

	Counts

	Outgoing int `json:"outgoing"`
	Incoming int `json:"incoming"`

	ByKind map[calls.Kind]Counts `json:"by_kind"`
}
