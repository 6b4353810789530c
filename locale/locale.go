// Package locale resolves the interface language and looks up translated labels.
package locale

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"examprep-server/logger"
)

const (
	Kazakh  = "kz"
	Russian = "ru"
	Default = Kazakh
)

// Supported lists the locales in display order.
var Supported = []string{Kazakh, Russian}

// IsSupported reports whether l is a known locale.
func IsSupported(l string) bool {
	return l == Kazakh || l == Russian
}

// TranslationSource fetches the label table of a locale.
type TranslationSource interface {
	Translations(ctx context.Context, locale string) (map[string]any, error)
}

// PreferenceStore remembers the selected locale between runs.
type PreferenceStore interface {
	Get(ctx context.Context) (string, error)
	Set(ctx context.Context, locale string) error
}

// Resolver holds the selected locale and its translation table. Source and prefs
// are optional; without a source T always returns the key.
type Resolver struct {
	source TranslationSource
	prefs  PreferenceStore
	log    *logrus.Entry

	mu      sync.RWMutex
	current string
	table   map[string]any
}

func NewResolver(def string, source TranslationSource, prefs PreferenceStore, log *logrus.Entry) *Resolver {
	if !IsSupported(def) {
		def = Default
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Resolver{source: source, prefs: prefs, log: log, current: def}
}

func (r *Resolver) Locale() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Restore applies a stored preference, if any. Unknown stored values are ignored.
func (r *Resolver) Restore(ctx context.Context) error {
	if r.prefs == nil {
		return nil
	}
	l, err := r.prefs.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to read locale preference: %w", err)
	}
	if IsSupported(l) {
		r.mu.Lock()
		r.current = l
		r.mu.Unlock()
	}
	return nil
}

// SetLocale switches language, persists the choice and reloads the table.
func (r *Resolver) SetLocale(ctx context.Context, l string) error {
	l = Normalize(l)
	if !IsSupported(l) {
		return fmt.Errorf("unsupported locale %q", l)
	}
	r.mu.Lock()
	changed := r.current != l
	r.current = l
	if changed {
		r.table = nil
	}
	r.mu.Unlock()

	if r.prefs != nil {
		if err := r.prefs.Set(ctx, l); err != nil {
			r.log.WithError(err).Warn("failed to persist locale")
		}
	}
	if changed && r.source != nil {
		return r.Load(ctx)
	}
	return nil
}

// Load fetches the translation table of the current locale.
func (r *Resolver) Load(ctx context.Context) error {
	if r.source == nil {
		return nil
	}
	l := r.Locale()
	table, err := r.source.Translations(ctx, l)
	if err != nil {
		return fmt.Errorf("failed to load %s translations: %w", l, err)
	}
	r.mu.Lock()
	if r.current == l {
		r.table = table
	}
	r.mu.Unlock()
	return nil
}

// T looks up a dotted key such as "exam.finishButton". Missing keys return the key itself.
func (r *Resolver) T(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Lookup(r.table, key)
}

// Lookup walks nested maps along a dotted key.
func Lookup(table map[string]any, key string) string {
	var node any = table
	for _, part := range strings.Split(key, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return key
		}
		if node, ok = m[part]; !ok {
			return key
		}
	}
	if s, ok := node.(string); ok {
		return s
	}
	return key
}

// Normalize maps language tags onto the supported locales. Kazakh is tagged "kk"
// by browsers and "kz" by the API.
func Normalize(lang string) string {
	l := strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(l, "-_"); i > 0 {
		l = l[:i]
	}
	if l == "kk" {
		return Kazakh
	}
	return l
}

// Determine picks a locale from an explicit query value, then the Accept-Language
// header, then def.
func Determine(queryLang, acceptLang, def string) string {
	if l := Normalize(queryLang); IsSupported(l) {
		return l
	}
	type candidate struct {
		lang string
		q    float64
	}
	var cands []candidate
	for _, part := range strings.Split(acceptLang, ",") {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		lang, q := p, 1.0
		if semi := strings.Index(p, ";"); semi >= 0 {
			lang = strings.TrimSpace(p[:semi])
			if v, ok := strings.CutPrefix(strings.TrimSpace(p[semi+1:]), "q="); ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					q = f
				}
			}
		}
		if l := Normalize(lang); IsSupported(l) && q > 0 {
			cands = append(cands, candidate{lang: l, q: q})
		}
	}
	if len(cands) > 0 {
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].q > cands[j].q })
		return cands[0].lang
	}
	if IsSupported(def) {
		return def
	}
	return Default
}

// FilePreferences stores the locale as a one-line text file.
type FilePreferences struct {
	path string
}

func NewFilePreferences(path string) *FilePreferences {
	return &FilePreferences{path: path}
}

func (p *FilePreferences) Get(context.Context) (string, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (p *FilePreferences) Set(_ context.Context, locale string) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(p.path, []byte(locale+"\n"), 0o600)
}
