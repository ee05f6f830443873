package prompts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
)

func TestLoaderLoadEmbedded(t *testing.T) {
	loader := NewLoader()

	tmpl, meta, err := loader.LoadTemplate("stage/build.md")
	if err != nil {
		t.Fatalf("failed to load build template: %v", err)
	}
	if tmpl == nil {
		t.Fatal("template should not be nil")
	}
	if meta == nil {
		t.Fatal("stage template should have frontmatter metadata")
	}
	if meta.ID != "build" || meta.Stage != domain.StageBuild {
		t.Errorf("meta = %+v, want build/build", meta)
	}
}

func TestLoaderOverride(t *testing.T) {
	tmpDir := t.TempDir()
	stageDir := filepath.Join(tmpDir, "stage")
	if err := os.MkdirAll(stageDir, 0755); err != nil {
		t.Fatal(err)
	}
	custom := "CUSTOM PLAN for {{.Prompt}}\n"
	if err := os.WriteFile(filepath.Join(stageDir, "plan.md"), []byte(custom), 0644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(tmpDir)
	got, err := loader.BuildStagePrompt(domain.StagePlan, false, StageData{Prompt: "a blog"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "CUSTOM PLAN for a blog\n" {
		t.Errorf("got %q, want override output", got)
	}

	// templates without an override still come from the embedded set
	build, err := loader.BuildStagePrompt(domain.StageBuild, false, StageData{Prompt: "a blog"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(build, "CUSTOM") {
		t.Error("build template picked up the plan override")
	}
}

func TestLoaderOverridePrecedence(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	for dir, body := range map[string]string{first: "first", second: "second"} {
		if err := os.MkdirAll(filepath.Join(dir, "stage"), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "stage", "check.md"), []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := NewLoader(first, second).Execute("stage/check.md", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "first" {
		t.Errorf("got %q, want first override to win", got)
	}
}

func TestLoaderCaching(t *testing.T) {
	tmpDir := t.TempDir()
	os.MkdirAll(filepath.Join(tmpDir, "stage"), 0755)
	file := filepath.Join(tmpDir, "stage", "plan.md")
	os.WriteFile(file, []byte("v1"), 0644)

	loader := NewLoader(tmpDir)
	if got, _ := loader.Execute("stage/plan.md", nil); got != "v1" {
		t.Fatalf("got %q, want v1", got)
	}

	os.WriteFile(file, []byte("v2"), 0644)
	if got, _ := loader.Execute("stage/plan.md", nil); got != "v1" {
		t.Errorf("got %q, want cached v1", got)
	}

	loader.ClearCache()
	if got, _ := loader.Execute("stage/plan.md", nil); got != "v2" {
		t.Errorf("got %q after ClearCache, want v2", got)
	}
}

func TestTemplateFor(t *testing.T) {
	tests := []struct {
		stage  domain.Stage
		repair bool
		want   string
	}{
		{domain.StagePlan, false, "stage/plan.md"},
		{domain.StageBuild, false, "stage/build.md"},
		{domain.StageBuild, true, "stage/repair.md"},
		{domain.StageValidate, true, "stage/validate.md"},
	}
	for _, tt := range tests {
		if got := TemplateFor(tt.stage, tt.repair); got != tt.want {
			t.Errorf("TemplateFor(%s, %v) = %q, want %q", tt.stage, tt.repair, got, tt.want)
		}
	}
}

func TestRepairTemplateExecution(t *testing.T) {
	got, err := NewLoader().BuildStagePrompt(domain.StageBuild, true, StageData{
		Prompt:   "a todo app",
		WorkDir:  "/home/user/react-app",
		Category: domain.ValidationErrors,
		Errors: []domain.TypedError{
			{Type: "build_failed", Message: "Could not resolve ./Header", Details: "src/App.jsx:3"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"a todo app", "validation_errors", "[build_failed] Could not resolve ./Header", "src/App.jsx:3", "```report"} {
		if !strings.Contains(got, want) {
			t.Errorf("repair prompt missing %q:\n%s", want, got)
		}
	}
}

func TestBuildTemplateExecution(t *testing.T) {
	got, err := NewLoader().BuildStagePrompt(domain.StageBuild, false, StageData{
		Prompt:         "a landing page",
		Plan:           "summary: hero and footer",
		WorkDir:        "/app",
		Files:          []string{"src/App.jsx"},
		EssentialFiles: []string{"src/App.jsx", "package.json"},
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"a landing page", "hero and footer", "- src/App.jsx", "src/App.jsx, package.json"} {
		if !strings.Contains(got, want) {
			t.Errorf("build prompt missing %q:\n%s", want, got)
		}
	}
}

func TestListStageTemplates(t *testing.T) {
	metas, err := NewLoader().ListStageTemplates()
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, m := range metas {
		ids[m.ID] = true
	}
	for _, want := range []string{"plan", "build", "repair", "validate"} {
		if !ids[want] {
			t.Errorf("missing template %q in %v", want, ids)
		}
	}
}

func TestLoaderWatchPicksUpEdits(t *testing.T) {
	tmpDir := t.TempDir()
	loader := NewLoader(tmpDir, filepath.Join(tmpDir, "missing"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := loader.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	data := StageData{Prompt: "a blog"}
	first, err := loader.BuildStagePrompt(domain.StagePlan, false, data)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(first, "EDITED") {
		t.Fatal("embedded template already contains the override text")
	}

	// the stage directory appears after the watch started
	stageDir := filepath.Join(tmpDir, "stage")
	if err := os.MkdirAll(stageDir, 0755); err != nil {
		t.Fatal(err)
	}
	waitForPrompt(t, loader, data, "")
	if err := os.WriteFile(filepath.Join(stageDir, "plan.md"), []byte("EDITED {{.Prompt}}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	waitForPrompt(t, loader, data, "EDITED a blog\n")

	if err := os.WriteFile(filepath.Join(stageDir, "plan.md"), []byte("EDITED AGAIN {{.Prompt}}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	waitForPrompt(t, loader, data, "EDITED AGAIN a blog\n")

	if err := os.Remove(filepath.Join(stageDir, "plan.md")); err != nil {
		t.Fatal(err)
	}
	waitForPrompt(t, loader, data, first)
}

// waitForPrompt polls until the plan prompt renders as want. An empty want
// only gives the watcher time to register a new directory.
func waitForPrompt(t *testing.T, loader *Loader, data StageData, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		got, err := loader.BuildStagePrompt(domain.StagePlan, false, data)
		if err != nil {
			t.Fatal(err)
		}
		if want == "" {
			time.Sleep(100 * time.Millisecond)
			return
		}
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("prompt = %q, want %q", got, want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestLoaderWatchStopsWithContext(t *testing.T) {
	tmpDir := t.TempDir()
	loader := NewLoader(tmpDir)

	ctx, cancel := context.WithCancel(context.Background())
	if err := loader.Watch(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	time.Sleep(50 * time.Millisecond)

	// after the watcher stops, cached templates stay until cleared
	if _, err := loader.BuildStagePrompt(domain.StagePlan, false, StageData{}); err != nil {
		t.Fatal(err)
	}
	stageDir := filepath.Join(tmpDir, "stage")
	os.MkdirAll(stageDir, 0755)
	os.WriteFile(filepath.Join(stageDir, "plan.md"), []byte("LATE\n"), 0644)
	time.Sleep(100 * time.Millisecond)

	got, err := loader.BuildStagePrompt(domain.StagePlan, false, StageData{})
	if err != nil {
		t.Fatal(err)
	}
	if got == "LATE\n" {
		t.Error("stopped watcher still cleared the cache")
	}
}
