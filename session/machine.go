package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"examprep-server/logger"
	"examprep-server/models"
	"examprep-server/utils"
)

// Deps are the collaborators of a machine. Only Questions is mandatory; a nil Store
// disables persistence and a nil Auth behaves as an anonymous caller.
type Deps struct {
	Questions QuestionSource
	Submitter Submitter
	Store     SnapshotStore
	Auth      AuthState
	Locale    LocaleResolver
	Observer  Observer
	Log       *logrus.Entry
	Now       func() time.Time
}

// Feedback is returned by Select in immediate-feedback modes.
type Feedback struct {
	QuestionID  models.QuestionID `json:"question_id"`
	Selected    int               `json:"selected"`
	Correct     int               `json:"correct"`
	IsCorrect   bool              `json:"is_correct"`
	Explanation string            `json:"explanation"`
}

// Machine runs one attempt of one mode for one owner. All methods are safe for
// concurrent use; no lock is held across network or storage calls.
type Machine struct {
	cfg   Config
	deps  Deps
	owner string
	key   string
	log   *logrus.Entry

	// storeMu orders snapshot writes so a late save cannot resurrect a cleared snapshot.
	storeMu sync.Mutex
	written uint64 // revision of the last snapshot written, guarded by storeMu

	mu        sync.Mutex
	section   string
	phase     models.Phase
	questions []models.Question
	answers   map[models.QuestionID]int
	position  int
	elapsed   int
	remaining int
	result    *Result
	pending   *models.ExamSubmit
	loadErr   error
	submitErr error
	stopTick  context.CancelFunc
	revision  uint64
}

// New creates a machine in the not_started phase. Call Prepare before Start to
// restore an interrupted attempt.
func New(owner string, cfg Config, deps Deps) *Machine {
	if deps.Auth == nil {
		deps.Auth = Anonymous{}
	}
	if deps.Log == nil {
		deps.Log = logger.Discard()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	return &Machine{
		cfg:       cfg,
		deps:      deps,
		owner:     owner,
		key:       models.FormatOwnerKey(owner, cfg.Mode),
		log:       deps.Log.WithFields(logrus.Fields{"owner": owner, "mode": cfg.Mode}),
		section:   cfg.Section,
		phase:     models.PhaseNotStarted,
		answers:   make(map[models.QuestionID]int),
		remaining: cfg.budgetSeconds(),
	}
}

func (m *Machine) Owner() string       { return m.owner }
func (m *Machine) Mode() models.Mode   { return m.cfg.Mode }
func (m *Machine) Config() Config      { return m.cfg }
func (m *Machine) SnapshotKey() string { return m.key }

func (m *Machine) Phase() models.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// SubmitErr returns the error of the last submission attempt, if it failed.
func (m *Machine) SubmitErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitErr
}

// Prepare restores a compatible in-progress snapshot or, failing that, loads the
// question set. The snapshot check always runs before the fetch.
func (m *Machine) Prepare(ctx context.Context) error {
	m.mu.Lock()
	if m.phase == models.PhaseInProgress || m.phase == models.PhaseSubmitting || m.phase == models.PhaseCompleted || len(m.questions) > 0 {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if snap := m.loadSnapshot(ctx); snap != nil {
		restored, err := m.restore(ctx, snap)
		if restored {
			return err
		}
	}
	if err := m.fetch(ctx); err != nil && !errors.Is(err, ErrSectionRequired) {
		return err
	}
	return nil
}

// SelectSection switches a trainer machine to another topic. Held questions are dropped.
func (m *Machine) SelectSection(section string) error {
	if m.cfg.Mode != models.ModeTrainer {
		return fmt.Errorf("sections only apply to trainer sessions, not %s", m.cfg.Mode)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.phase {
	case models.PhaseInProgress:
		return ErrInProgress
	case models.PhaseSubmitting:
		return ErrSubmissionPending
	case models.PhaseCompleted:
		return ErrCompleted
	}
	if section == m.section {
		return nil
	}
	m.section = section
	m.questions = nil
	m.loadErr = nil
	m.phase = models.PhaseNotStarted
	return nil
}

// Start begins a fresh attempt.
func (m *Machine) Start(ctx context.Context) error {
	if m.cfg.RequiresAuth && !m.deps.Auth.IsAuthenticated() {
		return ErrAuthRequired
	}
	m.mu.Lock()
	switch m.phase {
	case models.PhaseInProgress:
		m.mu.Unlock()
		return nil
	case models.PhaseSubmitting:
		m.mu.Unlock()
		return ErrSubmissionPending
	case models.PhaseCompleted:
		m.mu.Unlock()
		return ErrCompleted
	}
	needFetch := len(m.questions) == 0
	m.mu.Unlock()

	m.clearSnapshot(ctx)
	if needFetch {
		if err := m.fetch(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if m.phase == models.PhaseInProgress {
		m.mu.Unlock()
		return nil
	}
	if len(m.questions) == 0 {
		m.mu.Unlock()
		return ErrNoQuestions
	}
	m.answers = make(map[models.QuestionID]int)
	m.position = 0
	m.elapsed = 0
	m.remaining = m.cfg.budgetSeconds()
	m.result = nil
	m.pending = nil
	m.submitErr = nil
	m.phase = models.PhaseInProgress
	m.startTickerLocked()
	snap := m.snapshotLocked()
	total := len(m.questions)
	m.mu.Unlock()

	m.save(ctx, snap)
	m.log.WithField("questions", total).Info("session started")
	m.observe(ctx, Event{Action: ActionStarted, Notes: fmt.Sprintf("%d questions", total)})
	return nil
}

// Select records an answer for the current question.
func (m *Machine) Select(ctx context.Context, option int) (*Feedback, error) {
	m.mu.Lock()
	if m.phase != models.PhaseInProgress {
		m.mu.Unlock()
		return nil, ErrNotInProgress
	}
	q := m.questions[m.position]
	if option < 0 || option >= len(q.Options) {
		m.mu.Unlock()
		return nil, ErrInvalidOption
	}
	if _, answered := m.answers[q.ID]; answered && m.cfg.LockAnswers {
		m.mu.Unlock()
		return nil, ErrAlreadyAnswered
	}
	m.answers[q.ID] = option
	var fb *Feedback
	if m.cfg.ImmediateFeedback {
		fb = &Feedback{
			QuestionID:  q.ID,
			Selected:    option,
			Correct:     q.Correct,
			IsCorrect:   option == q.Correct,
			Explanation: q.Explanation,
		}
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.save(ctx, snap)
	return fb, nil
}

// Next advances one question. At the last question it finishes the attempt instead.
func (m *Machine) Next(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != models.PhaseInProgress {
		m.mu.Unlock()
		return ErrNotInProgress
	}
	if m.position >= len(m.questions)-1 {
		m.mu.Unlock()
		return m.Finish(ctx)
	}
	m.position++
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.save(ctx, snap)
	return nil
}

// Prev goes back one question; it does nothing at the first question.
func (m *Machine) Prev(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != models.PhaseInProgress {
		m.mu.Unlock()
		return ErrNotInProgress
	}
	if m.position == 0 {
		m.mu.Unlock()
		return nil
	}
	m.position--
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.save(ctx, snap)
	return nil
}

// Finish scores the attempt and, for submitting modes, sends it. The machine
// reaches completed whatever the submission outcome; a failed submission is
// returned and kept for Resubmit.
func (m *Machine) Finish(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != models.PhaseInProgress {
		m.mu.Unlock()
		return ErrNotInProgress
	}
	m.stopTickerLocked()
	res := Score(m.questions, m.answers)
	res.TimeSpent = m.timeSpentLocked()
	if m.cfg.PassFail {
		res.Passed = Passed(res.Percent)
	}
	m.result = &res
	var payload *models.ExamSubmit
	if m.cfg.RequiresSubmission {
		p := Submission(m.cfg.Mode, m.section, m.questions, m.answers, res.TimeSpent)
		payload = &p
		m.pending = payload
		m.phase = models.PhaseSubmitting
	} else {
		m.phase = models.PhaseCompleted
	}
	m.mu.Unlock()

	m.clearSnapshot(ctx)
	m.log.WithFields(logrus.Fields{"correct": res.Correct, "total": res.Total, "percent": res.Percent}).Info("session completed")
	m.observe(ctx, Event{Action: ActionCompleted, Score: res.Percent, Passed: res.Passed,
		Notes: fmt.Sprintf("%d/%d correct", res.Correct, res.Total)})
	if payload == nil {
		return nil
	}
	return m.submit(ctx, *payload)
}

// Resubmit resends a submission that failed. It is never called automatically.
func (m *Machine) Resubmit(ctx context.Context) error {
	m.mu.Lock()
	if m.phase == models.PhaseSubmitting {
		m.mu.Unlock()
		return ErrSubmissionPending
	}
	if m.phase != models.PhaseCompleted || m.pending == nil || m.submitErr == nil {
		m.mu.Unlock()
		return ErrNothingToResubmit
	}
	payload := *m.pending
	m.phase = models.PhaseSubmitting
	m.mu.Unlock()

	return m.submit(ctx, payload)
}

func (m *Machine) submit(ctx context.Context, payload models.ExamSubmit) error {
	var (
		recorded *models.ExamResult
		err      error
	)
	if m.deps.Submitter == nil {
		err = errors.New("no submitter configured")
	} else {
		recorded, err = m.deps.Submitter.SubmitExam(ctx, m.deps.Auth.Token(), payload)
	}

	m.mu.Lock()
	m.phase = models.PhaseCompleted
	m.submitErr = err
	if err == nil {
		m.pending = nil
		if m.result != nil {
			m.result.Recorded = recorded
		}
	}
	m.mu.Unlock()

	if err != nil {
		m.log.WithError(err).Error("submission failed")
		m.observe(ctx, Event{Action: ActionSubmitFailed, Notes: err.Error()})
		return fmt.Errorf("failed to submit %s results: %w", m.cfg.Mode, err)
	}
	m.log.Info("submission recorded")
	m.observe(ctx, Event{Action: ActionSubmitted})
	return nil
}

// Restart drops the attempt and its snapshot and returns to not_started. With
// refetch a fresh question set is loaded; otherwise the current one is reused.
func (m *Machine) Restart(ctx context.Context, refetch bool) error {
	m.mu.Lock()
	if m.phase == models.PhaseSubmitting {
		m.mu.Unlock()
		return ErrSubmissionPending
	}
	m.stopTickerLocked()
	if refetch || m.phase == models.PhaseLoadingFailed {
		m.questions = nil
	}
	m.answers = make(map[models.QuestionID]int)
	m.position = 0
	m.elapsed = 0
	m.remaining = m.cfg.budgetSeconds()
	m.result = nil
	m.pending = nil
	m.submitErr = nil
	m.loadErr = nil
	m.phase = models.PhaseNotStarted
	m.mu.Unlock()

	m.clearSnapshot(ctx)
	m.observe(ctx, Event{Action: ActionRestarted})
	if !refetch {
		return nil
	}
	if err := m.fetch(ctx); err != nil && !errors.Is(err, ErrSectionRequired) {
		return err
	}
	return nil
}

// Tick advances the timer by one second. A countdown reaching zero finishes the attempt.
func (m *Machine) Tick(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != models.PhaseInProgress {
		m.mu.Unlock()
		return nil
	}
	if m.cfg.Timing == CountDown {
		if m.remaining > 0 {
			m.remaining--
		}
		if m.remaining == 0 {
			m.mu.Unlock()
			m.log.Info("time is up")
			if err := m.Finish(ctx); !errors.Is(err, ErrNotInProgress) {
				return err
			}
			return nil
		}
	} else {
		m.elapsed++
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.save(ctx, snap)
	return nil
}

// Run ticks once per interval until ctx is done or the attempt leaves in_progress.
func (m *Machine) Run(ctx context.Context) {
	t := time.NewTicker(m.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			// finishing stops the ticker; the submission must outlive it
			if err := m.Tick(context.WithoutCancel(ctx)); err != nil {
				m.log.WithError(err).Warn("tick failed")
			}
			if m.Phase() != models.PhaseInProgress {
				return
			}
		}
	}
}

// Close stops the background timer. The snapshot is kept so the attempt can be resumed.
func (m *Machine) Close() {
	m.mu.Lock()
	m.stopTickerLocked()
	m.mu.Unlock()
}

func (m *Machine) startTickerLocked() {
	if !m.cfg.AutoTick || m.stopTick != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.stopTick = cancel
	go m.Run(ctx)
}

func (m *Machine) stopTickerLocked() {
	if m.stopTick != nil {
		m.stopTick()
		m.stopTick = nil
	}
}

func (m *Machine) fetch(ctx context.Context) error {
	m.mu.Lock()
	section := m.section
	m.mu.Unlock()
	if m.cfg.Mode == models.ModeTrainer && section == "" {
		return ErrSectionRequired
	}

	qs, err := m.deps.Questions.Questions(ctx, m.cfg.Mode, section, m.locale(), m.deps.Auth.Token())

	m.mu.Lock()
	if m.phase != models.PhaseNotStarted && m.phase != models.PhaseLoadingFailed {
		// an attempt began while the response was in flight
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		m.questions = nil
		m.loadErr = err
		m.phase = models.PhaseLoadingFailed
		m.mu.Unlock()
		m.log.WithError(err).Warn("failed to load questions")
		m.observe(ctx, Event{Action: ActionLoadFailed, Notes: err.Error()})
		return fmt.Errorf("failed to load %s questions: %w", m.cfg.Mode, err)
	}
	m.questions = qs
	m.loadErr = nil
	m.phase = models.PhaseNotStarted
	m.mu.Unlock()
	return nil
}

func (m *Machine) loadSnapshot(ctx context.Context) *models.Snapshot {
	if !m.persistent() {
		return nil
	}
	snap, err := m.deps.Store.Load(ctx, m.key)
	if errors.Is(err, ErrMalformedSnapshot) {
		m.log.WithError(err).Warn("discarding unreadable snapshot")
		m.clearSnapshot(ctx)
		return nil
	}
	if err != nil {
		m.log.WithError(err).Warn("failed to load snapshot")
		return nil
	}
	if snap == nil {
		return nil
	}
	if err := m.checkSnapshot(snap); err != nil {
		m.log.WithError(err).Warn("discarding unusable snapshot")
		m.clearSnapshot(ctx)
		return nil
	}
	return snap
}

func (m *Machine) checkSnapshot(snap *models.Snapshot) error {
	if snap.Mode != m.cfg.Mode {
		return fmt.Errorf("%w: mode %q stored under %s", ErrMalformedSnapshot, snap.Mode, m.key)
	}
	if snap.Phase != models.PhaseInProgress {
		return fmt.Errorf("snapshot phase %q is not resumable", snap.Phase)
	}
	if len(snap.Questions) == 0 {
		return fmt.Errorf("%w: no questions", ErrMalformedSnapshot)
	}
	if snap.Position < 0 || snap.Position >= len(snap.Questions) {
		return fmt.Errorf("%w: position %d outside %d questions", ErrMalformedSnapshot, snap.Position, len(snap.Questions))
	}
	options := make(map[models.QuestionID]int, len(snap.Questions))
	for _, q := range snap.Questions {
		options[q.ID] = len(q.Options)
	}
	for id, a := range snap.Answers {
		n, ok := options[id]
		if !ok || a < 0 || a >= n {
			return fmt.Errorf("%w: answer %d for question %s", ErrMalformedSnapshot, a, id)
		}
	}
	return nil
}

func (m *Machine) restore(ctx context.Context, snap *models.Snapshot) (bool, error) {
	m.mu.Lock()
	if m.phase != models.PhaseNotStarted && m.phase != models.PhaseLoadingFailed {
		m.mu.Unlock()
		return false, nil
	}
	if m.cfg.Mode == models.ModeTrainer && m.section != "" && snap.Section != m.section {
		m.mu.Unlock()
		return false, nil
	}
	m.section = snap.Section
	m.questions = snap.Questions
	m.answers = make(map[models.QuestionID]int, len(snap.Answers))
	for id, a := range snap.Answers {
		m.answers[id] = a
	}
	m.position = snap.Position
	m.elapsed = snap.Elapsed
	m.remaining = snap.Remaining
	if snap.Revision > m.revision {
		m.revision = snap.Revision
	}
	m.result = nil
	m.pending = nil
	m.loadErr = nil
	m.submitErr = nil
	m.phase = models.PhaseInProgress
	expired := m.cfg.Timing == CountDown && m.remaining <= 0
	if expired {
		m.remaining = 0
	} else {
		m.startTickerLocked()
	}
	m.mu.Unlock()

	m.log.WithField("position", snap.Position).Info("session restored")
	m.observe(ctx, Event{Action: ActionRestored})
	if expired {
		return true, m.Finish(ctx)
	}
	return true, nil
}

// snapshotLocked captures the state under a new revision. Snapshots are written
// after mu is released, so the revision decides which one is newest.
func (m *Machine) snapshotLocked() models.Snapshot {
	m.revision++
	answers := make(map[models.QuestionID]int, len(m.answers))
	for id, a := range m.answers {
		answers[id] = a
	}
	return models.Snapshot{
		Mode:      m.cfg.Mode,
		Section:   m.section,
		Phase:     m.phase,
		Questions: m.questions,
		Position:  m.position,
		Answers:   answers,
		Elapsed:   m.elapsed,
		Remaining: m.remaining,
		SavedAt:   m.deps.Now(),
		Revision:  m.revision,
	}
}

func (m *Machine) timeSpentLocked() int {
	if m.cfg.Timing == CountDown {
		return m.cfg.budgetSeconds() - m.remaining
	}
	return m.elapsed
}

func (m *Machine) persistent() bool {
	return m.cfg.Persist && m.deps.Store != nil
}

func (m *Machine) save(ctx context.Context, snap models.Snapshot) {
	if !m.persistent() {
		return
	}
	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	if m.Phase() != models.PhaseInProgress {
		return
	}
	if snap.Revision <= m.written {
		m.log.WithField("revision", snap.Revision).Debug("dropping superseded snapshot")
		return
	}
	if err := m.deps.Store.Save(ctx, m.key, snap); err != nil {
		m.log.WithError(err).Warn("failed to save snapshot")
		return
	}
	m.written = snap.Revision
}

func (m *Machine) clearSnapshot(ctx context.Context) {
	if !m.persistent() {
		return
	}
	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	if err := m.deps.Store.Clear(ctx, m.key); err != nil {
		m.log.WithError(err).Warn("failed to clear snapshot")
	}
}

func (m *Machine) locale() string {
	if m.deps.Locale == nil {
		return ""
	}
	return m.deps.Locale.Locale()
}

func (m *Machine) observe(ctx context.Context, e Event) {
	if m.deps.Observer == nil {
		return
	}
	e.Owner = m.owner
	e.Mode = m.cfg.Mode
	m.deps.Observer.Observe(ctx, e)
}

// clockLocked renders the timer value shown to the user.
func (m *Machine) clockLocked() string {
	if m.cfg.Timing == CountDown {
		return utils.FormatClock(m.remaining)
	}
	return utils.FormatClock(m.elapsed)
}
