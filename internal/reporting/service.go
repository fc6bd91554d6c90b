// Package reporting aggregates a participant's call history into summaries.
package reporting

import (
	"context"
	"errors"
	"time"

	"callsignal/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// maxRange bounds a single summary query.
const maxRange = 366 * 24 * time.Hour

// Repository reads immutable history entries. history.MemoryRepo and
// history.PostgresRepo both satisfy it.
type Repository interface {
	// ListBetween returns entries involving userID with From <= timestamp < To.
	ListBetween(ctx context.Context, userID string, from, to time.Time) ([]calls.CallHistoryEntry, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) Summary(ctx context.Context, req SummaryRequest) (Summary, error) {
	if req.UserID == "" {
		return Summary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return Summary{}, ErrInvalidRequest
	}
	if req.Range.To.Sub(req.Range.From) > maxRange {
		return Summary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return Summary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListBetween(ctx, req.UserID, req.Range.From, req.Range.To)
	if err != nil {
		return Summary{}, err
	}

	out := Summary{UserID: req.UserID, Range: req.Range, ByKind: map[calls.Kind]Counts{}}
	for _, e := range rows {
		out.Counts.add(e)
		k := out.ByKind[e.Kind]
		k.add(e)
		out.ByKind[e.Kind] = k

		if e.CallerID == req.UserID {
			out.Outgoing++
		} else {
			out.Incoming++
		}
	}
	out.Counts.finish()
	for kind, k := range out.ByKind {
		k.finish()
		out.ByKind[kind] = k
	}
	return out, nil
}

func (c *Counts) add(e calls.CallHistoryEntry) {
	c.Total++
	switch e.Outcome {
	case calls.OutcomeCompleted:
		c.Completed++
		if e.DurationSeconds != nil {
			c.TotalTalkSeconds += *e.DurationSeconds
		}
	case calls.OutcomeMissed:
		c.Missed++
	case calls.OutcomeRejected:
		c.Rejected++
	}
}

// finish computes the average over completed calls only.
func (c *Counts) finish() {
	if c.Completed > 0 {
		c.AverageTalkSeconds = c.TotalTalkSeconds / c.Completed
	}
}
