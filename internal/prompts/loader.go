package prompts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
)

// Loader manages prompt templates with override support.
type Loader struct {
	overrideDirs []string // checked in priority order
	cache        map[string]*template.Template
	metaCache    map[string]*TemplateMeta
	mu           sync.RWMutex
}

// TemplateMeta holds frontmatter metadata for stage templates.
type TemplateMeta struct {
	ID          string       `yaml:"id"`
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Stage       domain.Stage `yaml:"stage"`
}

// NewLoader creates a loader with the given override directories.
// Directories are checked in order; first match wins.
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
		metaCache:    make(map[string]*TemplateMeta),
	}
}

// DefaultLoader creates a loader that looks for overrides in the storage
// directory first and in ~/.config/sandbox-orchestrator/prompts/ second.
func DefaultLoader(storageDir string) *Loader {
	home, _ := os.UserHomeDir()
	dirs := []string{}

	if storageDir != "" {
		dirs = append(dirs, filepath.Join(storageDir, "prompts"))
	}
	dirs = append(dirs, filepath.Join(home, ".config", "sandbox-orchestrator", "prompts"))

	return NewLoader(dirs...)
}

func (l *Loader) loadContent(name string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		if data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name))); err == nil {
			return data, nil
		}
	}
	return fs.ReadFile(embeddedFS, name)
}

// parseFrontmatter splits content into frontmatter and body.
func parseFrontmatter(content []byte) (*TemplateMeta, string, error) {
	str := string(content)

	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil
	}

	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return nil, str, nil // malformed, treat as no frontmatter
	}

	frontmatter := str[4 : 4+end]
	body := str[4+end+5:]

	var meta TemplateMeta
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}

	return &meta, body, nil
}

// LoadTemplate loads and parses a template by path (e.g. "stage/build.md").
func (l *Loader) LoadTemplate(name string) (*template.Template, *TemplateMeta, error) {
	l.mu.RLock()
	if tmpl, ok := l.cache[name]; ok {
		meta := l.metaCache[name]
		l.mu.RUnlock()
		return tmpl, meta, nil
	}
	l.mu.RUnlock()

	content, err := l.loadContent(name)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", name, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", name, err)
	}

	tmpl, err := template.New(name).Option("missingkey=zero").Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("compile template %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[name] = tmpl
	l.metaCache[name] = meta
	l.mu.Unlock()

	return tmpl, meta, nil
}

// Execute loads and executes a template with the given data.
func (l *Loader) Execute(name string, data any) (string, error) {
	tmpl, _, err := l.LoadTemplate(name)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s: %w", name, err)
	}

	return buf.String(), nil
}

// ListStageTemplates returns metadata for all embedded stage templates.
func (l *Loader) ListStageTemplates() ([]*TemplateMeta, error) {
	entries, err := fs.ReadDir(embeddedFS, "stage")
	if err != nil {
		return nil, err
	}

	var result []*TemplateMeta
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		name := path.Join("stage", entry.Name())
		_, meta, err := l.LoadTemplate(name)
		if err != nil {
			return nil, err
		}
		if meta != nil {
			result = append(result, meta)
		}
	}
	return result, nil
}

// StageData holds template variables for stage prompts.
type StageData struct {
	Prompt         string
	Hint           string
	Plan           string
	WorkDir        string
	Files          []string
	EssentialFiles []string
	Category       domain.ErrorCategory
	Errors         []domain.TypedError
}

// TemplateFor names the template used for a stage. A build with outstanding
// errors uses the repair template.
func TemplateFor(stage domain.Stage, repair bool) string {
	if stage == domain.StageBuild && repair {
		return "stage/repair.md"
	}
	return "stage/" + string(stage) + ".md"
}

// BuildStagePrompt renders the prompt for a stage.
func (l *Loader) BuildStagePrompt(stage domain.Stage, repair bool, data StageData) (string, error) {
	return l.Execute(TemplateFor(stage, repair), data)
}

// ClearCache drops parsed templates so overrides are re-read.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*template.Template)
	l.metaCache = make(map[string]*TemplateMeta)
	l.mu.Unlock()
}
