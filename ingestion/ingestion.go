package ingestion

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"examprep-server/models"
	"examprep-server/utils"
)

const (
	csvColumnCount = 14 // section, question kz/ru, four options kz/ru, correct, explanation kz/ru
	optionCount    = 4
	listPageSize   = 100
)

// csvHeader is the expected first row of a question bank CSV.
var csvHeader = []string{
	"section", "question_kz", "question_ru",
	"option_a_kz", "option_a_ru", "option_b_kz", "option_b_ru",
	"option_c_kz", "option_c_ru", "option_d_kz", "option_d_ru",
	"correct", "explanation_kz", "explanation_ru",
}

// RowError describes one rejected entry of an import file.
type RowError struct {
	File    string
	Line    int
	Field   string
	Message string
}

func (e *RowError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s:%d: %s: %s", e.File, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Message)
}

// QuestionWriter is the admin part of the API client used by the importer.
type QuestionWriter interface {
	ListQuestions(ctx context.Context, token string, page, pageSize int) (*models.PaginatedResponse[models.AdminQuestion], error)
	CreateQuestion(ctx context.Context, token string, q models.AdminQuestion) (*models.AdminQuestion, error)
	DeleteQuestion(ctx context.Context, token, id string) error
}

// bankFile is the YAML layout: a top-level list under "questions".
type bankFile struct {
	Questions []models.AdminQuestion `yaml:"questions"`
}

// LoadFile reads a .yaml/.yml or .csv question bank. Entries that fail validation
// are returned as a *multierror.Error alongside the valid ones.
func LoadFile(path string) ([]models.AdminQuestion, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f, filepath.Base(path))
}

// Parse picks the decoder from the extension of name.
func Parse(r io.Reader, name string) ([]models.AdminQuestion, error) {
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".yaml", ".yml":
		return ParseYAML(r, name)
	case ".csv":
		return ParseCSV(r, name)
	default:
		return nil, fmt.Errorf("unsupported question bank format %q (expected .yaml, .yml or .csv)", ext)
	}
}

// ParseYAML decodes a YAML question bank.
func ParseYAML(r io.Reader, name string) ([]models.AdminQuestion, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	var bank bankFile
	if err := doc.Decode(&bank); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	lines := questionLines(&doc)

	var (
		valid []models.AdminQuestion
		errs  *multierror.Error
	)
	for i, q := range bank.Questions {
		line := 0
		if i < len(lines) {
			line = lines[i]
		}
		if err := Validate(q); err != nil {
			errs = multierror.Append(errs, &RowError{File: name, Line: line, Message: err.Error()})
			continue
		}
		valid = append(valid, q)
	}
	return valid, errs.ErrorOrNil()
}

// questionLines returns the source line of every entry under "questions".
func questionLines(doc *yaml.Node) []int {
	if len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value != "questions" {
			continue
		}
		var lines []int
		for _, item := range root.Content[i+1].Content {
			lines = append(lines, item.Line)
		}
		return lines
	}
	return nil
}

// ParseCSV decodes a CSV question bank with the csvHeader layout. The correct
// column holds an option letter (A-D) or its 1-based number.
func ParseCSV(r io.Reader, name string) ([]models.AdminQuestion, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV rows of %s: %w", name, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	start := 0
	if strings.EqualFold(strings.TrimSpace(rows[0][0]), csvHeader[0]) {
		start = 1
	}

	var (
		valid []models.AdminQuestion
		errs  *multierror.Error
	)
	for i := start; i < len(rows); i++ {
		row := rows[i]
		line := i + 1
		if len(row) == 1 && strings.TrimSpace(row[0]) == "" {
			continue
		}
		if len(row) != csvColumnCount {
			errs = multierror.Append(errs, &RowError{File: name, Line: line,
				Message: fmt.Sprintf("expected %d columns, got %d", csvColumnCount, len(row))})
			continue
		}
		for j := range row {
			row[j] = strings.TrimSpace(row[j])
		}
		correct, err := parseCorrect(row[11])
		if err != nil {
			errs = multierror.Append(errs, &RowError{File: name, Line: line, Field: "correct", Message: err.Error()})
			continue
		}
		q := models.AdminQuestion{
			Section:     row[0],
			Question:    models.LocalizedText{KZ: row[1], RU: row[2]},
			Correct:     correct,
			Explanation: models.LocalizedText{KZ: row[12], RU: row[13]},
		}
		for o := 0; o < optionCount; o++ {
			q.Options = append(q.Options, models.LocalizedText{KZ: row[3+2*o], RU: row[4+2*o]})
		}
		if err := Validate(q); err != nil {
			errs = multierror.Append(errs, &RowError{File: name, Line: line, Message: err.Error()})
			continue
		}
		valid = append(valid, q)
	}
	return valid, errs.ErrorOrNil()
}

func parseCorrect(v string) (int, error) {
	if len(v) == 1 {
		letter := strings.ToUpper(v)[0]
		if letter >= 'A' && letter < 'A'+optionCount {
			return int(letter - 'A'), nil
		}
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > optionCount {
		return 0, fmt.Errorf("%q is not an option letter A-D or number 1-%d", v, optionCount)
	}
	return n - 1, nil
}

// Validate checks a question bank entry before it is sent to the API.
func Validate(q models.AdminQuestion) error {
	if _, ok := models.SectionNames[q.Section]; !ok {
		return fmt.Errorf("unknown section %q", q.Section)
	}
	if q.Question.KZ == "" || q.Question.RU == "" {
		return errors.New("question text is required in both kz and ru")
	}
	if len(q.Options) < 2 {
		return fmt.Errorf("at least 2 options required, got %d", len(q.Options))
	}
	for i, o := range q.Options {
		if o.KZ == "" || o.RU == "" {
			return fmt.Errorf("option %s is missing a translation", utils.OptionLetter(i))
		}
	}
	if q.Correct < 0 || q.Correct >= len(q.Options) {
		return fmt.Errorf("correct option %d out of range [0, %d)", q.Correct, len(q.Options))
	}
	return nil
}

// Options controls an import run.
type Options struct {
	// DryRun validates and reports without writing.
	DryRun bool
	// ReplaceSections deletes the existing questions of every imported section first.
	ReplaceSections bool
}

// Report summarizes an import run.
type Report struct {
	Created int
	Deleted int
	Skipped int
}

// Importer pushes a question bank into the admin API.
type Importer struct {
	client QuestionWriter
	log    *logrus.Entry
}

func NewImporter(client QuestionWriter, log *logrus.Entry) *Importer {
	return &Importer{client: client, log: log}
}

// Import creates every question. It keeps going after a failed create and
// returns all failures together.
func (im *Importer) Import(ctx context.Context, token string, questions []models.AdminQuestion, opts Options) (Report, error) {
	var (
		report Report
		errs   *multierror.Error
	)
	if opts.DryRun {
		report.Skipped = len(questions)
		return report, nil
	}

	if opts.ReplaceSections {
		deleted, err := im.clearSections(ctx, token, sectionsOf(questions))
		report.Deleted = deleted
		if err != nil {
			return report, fmt.Errorf("failed to clear existing questions: %w", err)
		}
	}

	for i, q := range questions {
		if _, err := im.client.CreateQuestion(ctx, token, q); err != nil {
			im.log.WithError(err).WithField("index", i).Warn("failed to create question")
			errs = multierror.Append(errs, fmt.Errorf("question %d (%s): %w", i+1, q.Section, err))
			report.Skipped++
			continue
		}
		report.Created++
	}
	im.log.WithFields(logrus.Fields{"created": report.Created, "deleted": report.Deleted, "skipped": report.Skipped}).Info("question import finished")
	return report, errs.ErrorOrNil()
}

func (im *Importer) clearSections(ctx context.Context, token string, sections map[string]bool) (int, error) {
	var ids []string
	for page := 1; ; page++ {
		res, err := im.client.ListQuestions(ctx, token, page, listPageSize)
		if err != nil {
			return 0, err
		}
		for _, q := range res.Items {
			if sections[q.Section] {
				ids = append(ids, q.ID)
			}
		}
		if page >= res.TotalPages || len(res.Items) == 0 {
			break
		}
	}
	deleted := 0
	for _, id := range ids {
		if err := im.client.DeleteQuestion(ctx, token, id); err != nil {
			return deleted, fmt.Errorf("delete question %s: %w", id, err)
		}
		deleted++
	}
	return deleted, nil
}

func sectionsOf(questions []models.AdminQuestion) map[string]bool {
	out := make(map[string]bool)
	for _, q := range questions {
		out[q.Section] = true
	}
	return out
}
