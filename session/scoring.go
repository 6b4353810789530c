package session

import (
	"examprep-server/models"
	"examprep-server/utils"
)

// Result is the locally computed outcome of an attempt.
type Result struct {
	Correct   int                            `json:"correct"`
	Total     int                            `json:"total"`
	Percent   int                            `json:"percent"`
	Passed    bool                           `json:"passed"`
	TimeSpent int                            `json:"time_spent"`
	Sections  map[string]models.SectionStats `json:"sections,omitempty"`
	// Recorded is the server's copy once a submission succeeded.
	Recorded *models.ExamResult `json:"recorded,omitempty"`
}

// Score counts correct answers. Unanswered questions are incorrect.
func Score(questions []models.Question, answers map[models.QuestionID]int) Result {
	res := Result{Total: len(questions)}
	for _, q := range questions {
		chosen, ok := answers[q.ID]
		hit := ok && chosen == q.Correct
		if hit {
			res.Correct++
		}
		if q.Section == "" {
			continue
		}
		if res.Sections == nil {
			res.Sections = make(map[string]models.SectionStats)
		}
		st := res.Sections[q.Section]
		st.Total++
		if hit {
			st.Correct++
		}
		res.Sections[q.Section] = st
	}
	res.Percent = utils.Percent(res.Correct, res.Total)
	return res
}

// Passed reports whether a percentage clears the exam threshold.
func Passed(percent int) bool {
	return percent >= PassingScore
}

// Submission builds the payload for an attempt; unanswered questions are sent as -1.
func Submission(mode models.Mode, section string, questions []models.Question, answers map[models.QuestionID]int, timeSpent int) models.ExamSubmit {
	out := models.ExamSubmit{
		Mode:      mode,
		Section:   section,
		TimeSpent: timeSpent,
		Answers:   make([]models.ExamAnswer, 0, len(questions)),
	}
	for _, q := range questions {
		a, ok := answers[q.ID]
		if !ok {
			a = -1
		}
		out.Answers = append(out.Answers, models.ExamAnswer{QuestionID: q.ID, Answer: a})
	}
	return out
}
