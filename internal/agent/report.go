package agent

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
)

var reportBlock = regexp.MustCompile("(?s)```report[ \\t]*\\r?\\n(.*?)```")

// Report is the structured summary an agent appends to its answer
type Report struct {
	Plan          map[string]any      `yaml:"plan"`
	FilesCreated  []string            `yaml:"files_created"`
	FilesModified []string            `yaml:"files_modified"`
	Errors        []domain.TypedError `yaml:"errors"`
}

// ParseReport extracts the last report block from agent output. Output without
// a report yields an empty report. YAML and JSON bodies are both accepted.
func ParseReport(output string) (*Report, error) {
	matches := reportBlock.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return &Report{}, nil
	}
	body := matches[len(matches)-1][1]

	var r Report
	if err := yaml.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("parsing agent report: %w", err)
	}
	return &r, nil
}

// Outcome converts the report, with paths made relative to workDir
func (r *Report) Outcome(workDir string) *domain.StageOutcome {
	return &domain.StageOutcome{
		Errors:        r.Errors,
		FilesCreated:  relPaths(workDir, r.FilesCreated),
		FilesModified: relPaths(workDir, r.FilesModified),
		Plan:          r.Plan,
	}
}

func relPaths(workDir string, paths []string) []string {
	out := make([]string, 0, len(paths))
	prefix := strings.TrimSuffix(workDir, "/") + "/"
	for _, p := range paths {
		p = strings.TrimSpace(p)
		p = strings.TrimPrefix(p, prefix)
		p = strings.TrimPrefix(path.Clean("/"+p), "/")
		if p == "" || p == "." {
			continue
		}
		out = append(out, p)
	}
	return out
}
