package session

import (
	"examprep-server/models"
)

// QuestionView is the current question as shown to the user. Correct and
// Explanation are only filled once the answer may be revealed.
type QuestionView struct {
	ID          models.QuestionID `json:"id"`
	Text        string            `json:"question"`
	Options     []string          `json:"options"`
	Section     string            `json:"section,omitempty"`
	SectionName string            `json:"section_name,omitempty"`
	Selected    *int              `json:"selected,omitempty"`
	Correct     *int              `json:"correct,omitempty"`
	Explanation string            `json:"explanation,omitempty"`
}

// View is a read-only projection of a machine.
type View struct {
	Mode         models.Mode   `json:"mode"`
	Section      string        `json:"section,omitempty"`
	Phase        models.Phase  `json:"phase"`
	Position     int           `json:"position"`
	Total        int           `json:"total"`
	Answered     int           `json:"answered"`
	Question     *QuestionView `json:"question,omitempty"`
	Elapsed      int           `json:"elapsed_seconds"`
	Remaining    int           `json:"remaining_seconds,omitempty"`
	Clock        string        `json:"clock"`
	RequiresAuth bool          `json:"requires_auth"`
	Result       *Result       `json:"result,omitempty"`
	LoadError    string        `json:"load_error,omitempty"`
	SubmitError  string        `json:"submit_error,omitempty"`
}

// View returns the current state.
func (m *Machine) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := View{
		Mode:         m.cfg.Mode,
		Section:      m.section,
		Phase:        m.phase,
		Position:     m.position,
		Total:        len(m.questions),
		Answered:     len(m.answers),
		Elapsed:      m.timeSpentLocked(),
		Clock:        m.clockLocked(),
		RequiresAuth: m.cfg.RequiresAuth,
	}
	if m.cfg.Timing == CountDown {
		v.Remaining = m.remaining
	}
	if m.loadErr != nil {
		v.LoadError = m.loadErr.Error()
	}
	if m.submitErr != nil {
		v.SubmitError = m.submitErr.Error()
	}
	if m.result != nil {
		res := *m.result
		v.Result = &res
	}
	if m.phase == models.PhaseInProgress && m.position < len(m.questions) {
		q := m.questions[m.position]
		qv := &QuestionView{
			ID:          q.ID,
			Text:        q.Question,
			Options:     q.Options,
			Section:     q.Section,
			SectionName: m.sectionName(q),
		}
		if a, ok := m.answers[q.ID]; ok {
			selected := a
			qv.Selected = &selected
			if m.cfg.ImmediateFeedback {
				correct := q.Correct
				qv.Correct = &correct
				qv.Explanation = q.Explanation
			}
		}
		v.Question = qv
	}
	return v
}

// ReviewItem is one question of a finished attempt.
type ReviewItem struct {
	Index       int               `json:"index"`
	ID          models.QuestionID `json:"id"`
	Text        string            `json:"question"`
	Options     []string          `json:"options"`
	Selected    int               `json:"selected"`
	Correct     int               `json:"correct"`
	IsCorrect   bool              `json:"is_correct"`
	Explanation string            `json:"explanation"`
	SectionName string            `json:"section_name,omitempty"`
}

// Review is the result presentation of a completed attempt.
type Review struct {
	Mode        models.Mode  `json:"mode"`
	Section     string       `json:"section,omitempty"`
	Result      Result       `json:"result"`
	Items       []ReviewItem `json:"items"`
	SubmitError string       `json:"submit_error,omitempty"`
}

// Review lists every question with the chosen and the correct option. Unanswered
// questions carry Selected -1.
func (m *Machine) Review() (*Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != models.PhaseCompleted || m.result == nil {
		return nil, ErrNotCompleted
	}
	r := &Review{
		Mode:    m.cfg.Mode,
		Section: m.section,
		Result:  *m.result,
		Items:   make([]ReviewItem, 0, len(m.questions)),
	}
	if m.submitErr != nil {
		r.SubmitError = m.submitErr.Error()
	}
	for i, q := range m.questions {
		selected, ok := m.answers[q.ID]
		if !ok {
			selected = -1
		}
		r.Items = append(r.Items, ReviewItem{
			Index:       i,
			ID:          q.ID,
			Text:        q.Question,
			Options:     q.Options,
			Selected:    selected,
			Correct:     q.Correct,
			IsCorrect:   ok && selected == q.Correct,
			Explanation: q.Explanation,
			SectionName: m.sectionName(q),
		})
	}
	return r, nil
}

func (m *Machine) sectionName(q models.Question) string {
	loc := m.locale()
	if name := q.SectionName.In(loc); name != "" {
		return name
	}
	if q.Section == "" {
		return ""
	}
	return models.SectionDisplayName(q.Section, loc)
}
