package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Mode is the kind of quiz attempt a session runs.
type Mode string

const (
	ModeDemo    Mode = "demo"
	ModeExam    Mode = "exam"
	ModeTrainer Mode = "trainer"
)

// Modes lists every supported mode in display order.
var Modes = []Mode{ModeDemo, ModeExam, ModeTrainer}

// ParseMode validates a mode string coming from a route or a flag.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeDemo, ModeExam, ModeTrainer:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q (expected demo, exam or trainer)", s)
}

// Phase is the lifecycle phase of a session.
type Phase string

const (
	PhaseNotStarted    Phase = "not_started"
	PhaseLoadingFailed Phase = "loading_failed"
	PhaseInProgress    Phase = "in_progress"
	PhaseSubmitting    Phase = "submitting"
	PhaseCompleted     Phase = "completed"
)

// QuestionID accepts both numeric and string identifiers from the question service.
type QuestionID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *QuestionID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = QuestionID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("question id must be a string or a number: %w", err)
	}
	*id = QuestionID(n.String())
	return nil
}

// LocalizedText holds the Kazakh and Russian variants of a label.
type LocalizedText struct {
	KZ string `json:"kz" yaml:"kz"`
	RU string `json:"ru" yaml:"ru"`
}

// In returns the text for locale, falling back to the other language when empty.
func (t LocalizedText) In(locale string) string {
	if locale == "ru" {
		if t.RU != "" {
			return t.RU
		}
		return t.KZ
	}
	if t.KZ != "" {
		return t.KZ
	}
	return t.RU
}

// Question struct represents a question as served for one locale.
type Question struct {
	ID          QuestionID    `json:"id"`
	Question    string        `json:"question"`
	Options     []string      `json:"options"`
	Correct     int           `json:"correct"`
	Explanation string        `json:"explanation"`
	Section     string        `json:"section,omitempty"`
	SectionName LocalizedText `json:"section_name"`
}

// QuestionResponse is the wrapped form of a question listing.
type QuestionResponse struct {
	Questions []Question `json:"questions"`
}

// Snapshot is the persisted state of an in-progress session.
type Snapshot struct {
	Mode      Mode               `json:"mode"`
	Section   string             `json:"section,omitempty"`
	Phase     Phase              `json:"phase"`
	Questions []Question         `json:"questions"`
	Position  int                `json:"position"`
	Answers   map[QuestionID]int `json:"answers"`
	Elapsed   int                `json:"elapsed_seconds"`
	Remaining int                `json:"remaining_seconds"`
	SavedAt   time.Time          `json:"saved_at"`
	Revision  uint64             `json:"revision,omitempty"`
}

// ExamAnswer is one entry of a submission; Answer is -1 when unanswered.
type ExamAnswer struct {
	QuestionID QuestionID `json:"question_id"`
	Answer     int        `json:"answer"`
}

// ExamSubmit is the payload of POST /exams/submit.
type ExamSubmit struct {
	Mode      Mode         `json:"mode"`
	Answers   []ExamAnswer `json:"answers"`
	Section   string       `json:"section,omitempty"`
	TimeSpent int          `json:"time_spent"`
}

// SectionStats counts correct answers within one section.
type SectionStats struct {
	Correct int `json:"correct"`
	Total   int `json:"total"`
}

// ExamResult struct represents a recorded attempt as returned by the results service.
type ExamResult struct {
	ID               string                  `json:"id"`
	Mode             Mode                    `json:"mode"`
	Score            float64                 `json:"score"`
	CorrectAnswers   int                     `json:"correct_answers"`
	TotalQuestions   int                     `json:"total_questions"`
	Passed           bool                    `json:"passed"`
	TimeSpent        *int                    `json:"time_spent,omitempty"`
	SectionBreakdown map[string]SectionStats `json:"section_breakdown,omitempty"`
	CreatedAt        time.Time               `json:"created_at"`
}

// ExamHistoryResponse is the body of GET /exams/history.
type ExamHistoryResponse struct {
	Exams             []ExamResult            `json:"exams"`
	OverallStatistics map[string]SectionStats `json:"overall_statistics"`
}

// ReviewedQuestion is a question of a recorded attempt together with the user's answer.
type ReviewedQuestion struct {
	Question
	UserAnswer int  `json:"user_answer"`
	IsCorrect  bool `json:"is_correct"`
}

// ExamDetails is the body of GET /exams/{id}.
type ExamDetails struct {
	Exam      ExamResult         `json:"exam"`
	Questions []ReviewedQuestion `json:"questions"`
}

// User struct represents the identity returned by the auth endpoints.
type User struct {
	ID      UserID `json:"id"`
	Phone   string `json:"phone"`
	Name    string `json:"name"`
	IsAdmin bool   `json:"is_admin"`
}

// UserID is a user identifier that may arrive as a number or a string.
type UserID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *UserID) UnmarshalJSON(data []byte) error {
	var q QuestionID
	if err := q.UnmarshalJSON(data); err != nil {
		return err
	}
	*id = UserID(q)
	return nil
}

// UserLogin is the payload of POST /auth/login.
type UserLogin struct {
	Phone    string `json:"phone" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// UserRegister is the payload of POST /auth/register.
type UserRegister struct {
	Phone    string `json:"phone" binding:"required"`
	Password string `json:"password" binding:"required"`
	Name     string `json:"name" binding:"required"`
}

// TokenResponse is returned by login and register.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
	User        User   `json:"user"`
}

// LegislationSection is one trainer topic.
type LegislationSection struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AdminQuestion struct represents a question bank entry with both locales.
type AdminQuestion struct {
	ID          string          `json:"id,omitempty"`
	Question    LocalizedText   `json:"question" yaml:"question"`
	Options     []LocalizedText `json:"options" yaml:"options"`
	Correct     int             `json:"correct" yaml:"correct"`
	Explanation LocalizedText   `json:"explanation" yaml:"explanation"`
	Section     string          `json:"section" yaml:"section"`
	SectionName *LocalizedText  `json:"section_name,omitempty" yaml:"-"`
}

// PaginatedResponse wraps one page of a listing.
type PaginatedResponse[T any] struct {
	Items      []T `json:"items"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalPages int `json:"total_pages"`
}

// SectionNames maps trainer section tags to their display names.
var SectionNames = map[string]LocalizedText{
	"civil_code":                    {KZ: "Азаматтық кодекс", RU: "Гражданский кодекс"},
	"civil_process_code":            {KZ: "Азаматтық процестік кодекс", RU: "Гражданский процессуальный кодекс"},
	"criminal_code":                 {KZ: "Қылмыстық кодекс", RU: "Уголовный кодекс"},
	"criminal_process_code":         {KZ: "Қылмыстық процестік кодекс", RU: "Уголовно процессуальный кодекс"},
	"administrative_offenses_code":  {KZ: "Әкімшілік құқықбұзушылықтар туралы кодекс", RU: "Кодекс об административных правонарушениях"},
	"anti_corruption_law":           {KZ: "Коррупцияға қарсы күрес туралы заң", RU: "Закон \"О противодействии коррупции\""},
	"administrative_procedure_code": {KZ: "Әкімшілік процедуралық-процестік кодекс", RU: "Административный процедурно-процессуальный кодекс"},
	"advocacy_law":                  {KZ: "Адвокаттық қызмет және заңды көмек туралы заң", RU: "Закон \"Об адвокатской деятельности и юридической помощи\""},
	"aml_law":                       {KZ: "Қылмыстық жолмен алынған кірістерді легализациялауға (ақтауға) қарсы күрес және терроризмді қаржыландыруға қарсы күрес туралы заң", RU: "Закон \"О противодействии легализации (отмыванию) доходов, полученных преступным путем, и финансированию терроризма\""},
}

// SectionDisplayName returns the localized section name, or the tag itself when unknown.
func SectionDisplayName(section, locale string) string {
	if name, ok := SectionNames[section]; ok {
		return name.In(locale)
	}
	return section
}

// SessionEvent represents an entry in the session_events table.
type SessionEvent struct {
	ID        int       `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Owner     string    `json:"owner"`
	Mode      Mode      `json:"mode"`
	Action    string    `json:"action"`
	Notes     string    `json:"notes"`
}

// FormatOwnerKey builds the snapshot key for an owner and mode.
func FormatOwnerKey(owner string, mode Mode) string {
	return owner + ":" + string(mode)
}
