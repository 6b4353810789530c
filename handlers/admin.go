package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"examprep-server/ingestion"
	"examprep-server/locale"
	"examprep-server/middleware"
	"examprep-server/models"
	"examprep-server/session"
)

const maxImportSize = 8 << 20

// EventHistory reads the session audit log.
type EventHistory interface {
	Recent(ctx context.Context, owner string, limit int) ([]models.SessionEvent, error)
}

// SectionSource lists trainer topics.
type SectionSource interface {
	LegislationSections(ctx context.Context, locale string) ([]models.LegislationSection, error)
}

// AdminDashboard renders live session count and, for ?owner=, the recent events of one owner.
// GET /admin/dashboard
func AdminDashboard(registry *session.Registry, history EventHistory, log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := c.Query("owner")
		var events []models.SessionEvent
		if owner != "" && history != nil {
			var err error
			events, err = history.Recent(c.Request.Context(), owner, 50)
			if err != nil {
				log.WithError(err).Error("failed to fetch session events")
			}
		}
		c.HTML(http.StatusOK, "admin_dashboard", gin.H{
			"Title":        "Exam prep admin",
			"Locale":       locale.Russian,
			"LiveSessions": registry.Len(),
			"Owner":        owner,
			"Events":       events,
		})
	}
}

// ImportQuestions uploads a YAML or CSV question bank into the admin API with the
// caller's token. Form fields: file, dry_run, replace.
// POST /admin/questions/import
func ImportQuestions(writer ingestion.QuestionWriter, log *logrus.Entry) gin.HandlerFunc {
	importer := ingestion.NewImporter(writer, log)
	return func(c *gin.Context) {
		fh, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "A question bank file is required"})
			return
		}
		if fh.Size > maxImportSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Question bank file is too large"})
			return
		}
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read upload"})
			return
		}
		defer f.Close()

		questions, err := ingestion.Parse(f, fh.Filename)
		rejected := []string{}
		var merr *multierror.Error
		switch {
		case errors.As(err, &merr):
			for _, e := range merr.Errors {
				rejected = append(rejected, e.Error())
			}
		case err != nil:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		opts := ingestion.Options{
			DryRun:          formBool(c, "dry_run"),
			ReplaceSections: formBool(c, "replace"),
		}
		report, err := importer.Import(c.Request.Context(), middleware.Token(c), questions, opts)
		failed := []string{}
		if err != nil {
			var importErr *multierror.Error
			if !errors.As(err, &importErr) {
				log.WithError(err).Error("question import aborted")
				c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "deleted": report.Deleted})
				return
			}
			for _, e := range importErr.Errors {
				failed = append(failed, e.Error())
			}
		}
		log.WithFields(logrus.Fields{"file": fh.Filename, "owner": middleware.Owner(c), "rejected": len(rejected)}).Info("question bank imported")
		c.JSON(http.StatusOK, gin.H{
			"created":  report.Created,
			"deleted":  report.Deleted,
			"skipped":  report.Skipped,
			"rejected": rejected,
			"failed":   failed,
			"dry_run":  opts.DryRun,
		})
	}
}

func formBool(c *gin.Context, key string) bool {
	v, _ := strconv.ParseBool(c.PostForm(key))
	return v
}

// Sections lists trainer topics from the API, falling back to the built-in catalogue.
// GET /api/v1/sections
func Sections(source SectionSource, callers *Callers, log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		callers.Update(c)
		_, res := callers.Get(middleware.Owner(c))
		loc := res.Locale()
		if source != nil {
			sections, err := source.LegislationSections(c.Request.Context(), loc)
			if err == nil && len(sections) > 0 {
				c.JSON(http.StatusOK, gin.H{"sections": sections})
				return
			}
			if err != nil {
				log.WithError(err).Warn("failed to fetch legislation sections, using built-in list")
			}
		}
		c.JSON(http.StatusOK, gin.H{"sections": builtinSections(loc)})
	}
}

var sectionOrder = []string{
	"civil_code", "civil_process_code", "criminal_code", "criminal_process_code",
	"administrative_offenses_code", "anti_corruption_law", "administrative_procedure_code",
	"advocacy_law", "aml_law",
}

func builtinSections(loc string) []models.LegislationSection {
	out := make([]models.LegislationSection, 0, len(sectionOrder))
	for _, id := range sectionOrder {
		out = append(out, models.LegislationSection{ID: id, Name: models.SectionDisplayName(id, loc)})
	}
	return out
}

// Health reports liveness and the number of live sessions.
// GET /healthz
func Health(registry *session.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": registry.Len()})
	}
}
