package handlers

import (
	"html/template"
	"net/http"

	"github.com/gin-contrib/multitemplate"
	"github.com/gin-gonic/gin"

	"examprep-server/middleware"
	"examprep-server/models"
	"examprep-server/session"
	"examprep-server/utils"
)

const layoutTemplate = `<!DOCTYPE html>
<html lang="{{.Locale}}">
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<main>
{{template "content" .}}
</main>
</body>
</html>`

const resultsTemplate = `{{define "content"}}
<h1>{{.Title}}</h1>
{{if .Message}}<p class="message">{{.Message}}</p>{{else}}
<p class="score">{{.Labels.score}}: {{.Review.Result.Correct}}/{{.Review.Result.Total}} ({{.Review.Result.Percent}}%)</p>
{{if .ShowPassFail}}<p class="verdict">{{if .Review.Result.Passed}}{{.Labels.passed}}{{else}}{{.Labels.failed}}{{end}}</p>{{end}}
<p class="time">{{.Labels.time}}: {{clock .Review.Result.TimeSpent}}</p>
{{if .Review.SubmitError}}<p class="error">{{.Labels.notSaved}}: {{.Review.SubmitError}}</p>{{end}}
<ol>
{{range .Review.Items}}<li class="{{if .IsCorrect}}correct{{else}}incorrect{{end}}">
<p>{{.Text}}</p>
{{if .SectionName}}<p class="section">{{.SectionName}}</p>{{end}}
<p>{{$.Labels.yourAnswer}}: {{if ge .Selected 0}}{{letter .Selected}}{{else}}{{$.Labels.noAnswer}}{{end}}, {{$.Labels.correctAnswer}}: {{letter .Correct}}</p>
{{if .Explanation}}<p class="explanation">{{.Explanation}}</p>{{end}}
</li>
{{end}}</ol>{{end}}
{{end}}`

const dashboardTemplate = `{{define "content"}}
<h1>{{.Title}}</h1>
<p>{{.LiveSessions}} live sessions</p>
{{if .Owner}}<h2>{{.Owner}}</h2>
<table>
<tr><th>Time</th><th>Mode</th><th>Action</th><th>Notes</th></tr>
{{range .Events}}<tr><td>{{.Timestamp.Format "2006-01-02 15:04:05"}}</td><td>{{.Mode}}</td><td>{{.Action}}</td><td>{{.Notes}}</td></tr>
{{end}}</table>{{end}}
{{end}}`

var templateFuncs = template.FuncMap{
	"clock":  utils.FormatClock,
	"letter": utils.OptionLetter,
}

// NewRenderer builds the HTML templates served by the gateway.
func NewRenderer() multitemplate.Renderer {
	r := multitemplate.NewRenderer()
	r.AddFromStringsFuncs("results", templateFuncs, layoutTemplate, resultsTemplate)
	r.AddFromStringsFuncs("admin_dashboard", templateFuncs, layoutTemplate, dashboardTemplate)
	return r
}

var resultLabels = map[string]map[string]string{
	"kz": {
		"title":         "Нәтижелер",
		"score":         "Дұрыс жауаптар",
		"passed":        "Тапсырылды",
		"failed":        "Тапсырылмады",
		"time":          "Уақыт",
		"notSaved":      "Нәтиже сақталмады",
		"yourAnswer":    "Сіздің жауабыңыз",
		"noAnswer":      "жауап жоқ",
		"correctAnswer": "Дұрыс жауап",
		"notCompleted":  "Тест әлі аяқталған жоқ.",
	},
	"ru": {
		"title":         "Результаты",
		"score":         "Правильных ответов",
		"passed":        "Сдано",
		"failed":        "Не сдано",
		"time":          "Время",
		"notSaved":      "Результат не сохранён",
		"yourAnswer":    "Ваш ответ",
		"noAnswer":      "нет ответа",
		"correctAnswer": "Правильный ответ",
		"notCompleted":  "Тест ещё не завершён.",
	},
}

// Results renders the review page of a completed attempt.
// GET /results/:mode
func Results(registry *session.Registry, callers *Callers) gin.HandlerFunc {
	return func(c *gin.Context) {
		mode, err := models.ParseMode(c.Param("mode"))
		if err != nil {
			c.String(http.StatusNotFound, err.Error())
			return
		}
		callers.Update(c)
		_, res := callers.Get(middleware.Owner(c))
		loc := res.Locale()
		labels := resultLabels[loc]

		data := gin.H{
			"Title":        labels["title"],
			"Locale":       loc,
			"Labels":       labels,
			"ShowPassFail": mode == models.ModeExam,
		}
		m, err := registry.Get(middleware.Owner(c), mode)
		if err != nil {
			c.String(http.StatusInternalServerError, "Failed to load session")
			return
		}
		review, err := m.Review()
		if err != nil {
			data["Message"] = labels["notCompleted"]
			c.HTML(http.StatusConflict, "results", data)
			return
		}
		data["Review"] = review
		c.HTML(http.StatusOK, "results", data)
	}
}
