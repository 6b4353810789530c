package session

import (
	"context"
	"errors"

	"examprep-server/models"
)

var (
	ErrAuthRequired      = errors.New("authentication required")
	ErrNoQuestions       = errors.New("no questions available")
	ErrInvalidOption     = errors.New("option index out of range")
	ErrAlreadyAnswered   = errors.New("question already answered")
	ErrNotInProgress     = errors.New("session is not in progress")
	ErrNotCompleted      = errors.New("session is not completed")
	ErrCompleted         = errors.New("session already completed, restart it first")
	ErrInProgress        = errors.New("session already in progress")
	ErrSubmissionPending = errors.New("submission in progress")
	ErrNothingToResubmit = errors.New("no failed submission to resend")
	ErrSectionRequired   = errors.New("trainer sessions require a section")
	ErrMalformedSnapshot = errors.New("malformed snapshot")
)

// QuestionSource loads the question set for an attempt.
type QuestionSource interface {
	Questions(ctx context.Context, mode models.Mode, section, locale, token string) ([]models.Question, error)
}

// Submitter records a finished attempt.
type Submitter interface {
	SubmitExam(ctx context.Context, token string, submit models.ExamSubmit) (*models.ExamResult, error)
}

// AuthState is the caller identity a machine consults before starting and submitting.
type AuthState interface {
	Token() string
	IsAuthenticated() bool
}

// LocaleResolver supplies the language questions are fetched in.
type LocaleResolver interface {
	Locale() string
}

// SnapshotStore persists in-progress sessions. Load returns (nil, nil) when nothing
// is stored and ErrMalformedSnapshot when the stored value cannot be decoded.
type SnapshotStore interface {
	Load(ctx context.Context, key string) (*models.Snapshot, error)
	Save(ctx context.Context, key string, snap models.Snapshot) error
	Clear(ctx context.Context, key string) error
}

// Event actions reported to observers.
const (
	ActionStarted      = "started"
	ActionRestored     = "restored"
	ActionCompleted    = "completed"
	ActionSubmitted    = "submitted"
	ActionSubmitFailed = "submit_failed"
	ActionRestarted    = "restarted"
	ActionLoadFailed   = "load_failed"
)

// Event describes a lifecycle step of one machine.
type Event struct {
	Owner  string
	Mode   models.Mode
	Action string
	Notes  string
	Score  int
	Passed bool
}

// Observer receives lifecycle events. Implementations must not block for long.
type Observer interface {
	Observe(ctx context.Context, e Event)
}

// Observers fans an event out to several observers.
type Observers []Observer

func (o Observers) Observe(ctx context.Context, e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(ctx, e)
		}
	}
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, e Event)

func (f ObserverFunc) Observe(ctx context.Context, e Event) { f(ctx, e) }

// Anonymous is an AuthState without credentials, used for demo sessions.
type Anonymous struct{}

func (Anonymous) Token() string         { return "" }
func (Anonymous) IsAuthenticated() bool { return false }
