package calls

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// SchemaVersion is the document layout written by this build. Readers reject
// any other version rather than guessing at field meaning.
const SchemaVersion = 1

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func v() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateRecord checks a CallRecord at the store boundary.
func ValidateRecord(r CallRecord) error {
	if r.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: schema version %d, want %d", ErrInvalidRecord, r.SchemaVersion, SchemaVersion)
	}
	if err := v().Struct(r); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRecord, describe(err))
	}
	if r.Offer.Type != "offer" {
		return fmt.Errorf("%w: offer has type %q", ErrInvalidRecord, r.Offer.Type)
	}
	if r.Answer != nil && r.Answer.Type != "answer" {
		return fmt.Errorf("%w: answer has type %q", ErrInvalidRecord, r.Answer.Type)
	}

	// answer and startedAt exist exactly when the call reached accepted.
	reached := r.State == StateAccepted || (r.State == StateEnded && r.StartedAt != nil)
	if reached != (r.Answer != nil) {
		return fmt.Errorf("%w: answer presence does not match state %s", ErrInvalidRecord, r.State)
	}
	if reached != (r.StartedAt != nil) {
		return fmt.Errorf("%w: startedAt presence does not match state %s", ErrInvalidRecord, r.State)
	}
	if r.State.Terminal() != (r.EndedAt != nil) {
		return fmt.Errorf("%w: endedAt presence does not match state %s", ErrInvalidRecord, r.State)
	}
	if r.Cause != "" && !r.State.Terminal() {
		return fmt.Errorf("%w: cause set on %s record", ErrInvalidRecord, r.State)
	}
	return nil
}

// ValidateHistoryEntry checks an entry before it is written.
func ValidateHistoryEntry(e CallHistoryEntry) error {
	if e.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: schema version %d, want %d", ErrInvalidRecord, e.SchemaVersion, SchemaVersion)
	}
	if err := v().Struct(e); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRecord, describe(err))
	}
	if (e.Outcome == OutcomeCompleted) != (e.DurationSeconds != nil) {
		return fmt.Errorf("%w: duration is only recorded for completed calls", ErrInvalidRecord)
	}
	return nil
}

// ValidateCandidate checks a single candidate before it is appended.
func ValidateCandidate(c Candidate) error {
	if err := v().Struct(c); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRecord, describe(err))
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	if len(verrs) == 1 {
		return fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
	}
	return fmt.Sprintf("%s failed %q (and %d more)", fe.Namespace(), fe.Tag(), len(verrs)-1)
}
