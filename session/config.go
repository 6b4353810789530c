package session

import (
	"fmt"
	"time"

	"examprep-server/models"
)

// Timing selects how a machine measures time.
type Timing int

const (
	// CountUp tracks elapsed seconds without a limit.
	CountUp Timing = iota
	// CountDown tracks remaining seconds from a budget and finishes at zero.
	CountDown
)

const (
	DefaultExamDuration = 60 * time.Minute
	DefaultTickInterval = time.Second
	// PassingScore is the exam pass threshold in percent.
	PassingScore = 70
)

// Config parameterizes one machine. The three modes differ only here.
type Config struct {
	Mode               models.Mode
	Timing             Timing
	Budget             time.Duration
	RequiresAuth       bool
	Persist            bool
	RequiresSubmission bool
	ImmediateFeedback  bool
	// LockAnswers refuses a second selection on an answered question.
	LockAnswers bool
	// PassFail marks results as passed or failed against PassingScore.
	PassFail bool
	Section  string
	// TickInterval is the wall-clock length of one timer second. Tests shorten it.
	TickInterval time.Duration
	// AutoTick runs the timer in a background goroutine while in progress.
	AutoTick bool
}

// Options are the per-deployment knobs applied on top of a mode's defaults.
type Options struct {
	Section      string
	ExamDuration time.Duration
	TickInterval time.Duration
	AutoTick     bool
}

// ConfigFor returns the configuration of a mode.
func ConfigFor(mode models.Mode, opts Options) (Config, error) {
	cfg := Config{
		Mode:         mode,
		Persist:      true,
		TickInterval: opts.TickInterval,
		AutoTick:     opts.AutoTick,
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	switch mode {
	case models.ModeDemo:
		cfg.Timing = CountUp
		cfg.ImmediateFeedback = true
		cfg.LockAnswers = true
	case models.ModeExam:
		cfg.Timing = CountDown
		cfg.Budget = opts.ExamDuration
		if cfg.Budget <= 0 {
			cfg.Budget = DefaultExamDuration
		}
		cfg.RequiresAuth = true
		cfg.RequiresSubmission = true
		cfg.PassFail = true
	case models.ModeTrainer:
		cfg.Timing = CountUp
		cfg.RequiresAuth = true
		cfg.RequiresSubmission = true
		cfg.Section = opts.Section
	default:
		return Config{}, fmt.Errorf("unknown mode %q", mode)
	}
	return cfg, nil
}

func (c Config) budgetSeconds() int {
	return int(c.Budget / time.Second)
}
