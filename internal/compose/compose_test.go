package compose

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/ShayCichocki/taskforge/internal/graph"
	"github.com/ShayCichocki/taskforge/internal/store"
	"github.com/ShayCichocki/taskforge/pkg/models"
)

func TestDefaultPipelineValid(t *testing.T) {
	if err := DefaultPipeline().Validate(); err != nil {
		t.Fatalf("default pipeline must validate: %v", err)
	}
}

func TestComposeDefaultPipeline(t *testing.T) {
	s := store.NewMemory()
	c := NewComposer(s, nil)

	root, err := c.Compose("p1", "build a todo API")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if root.Metadata[models.MetaWorkflowRoot] != "true" {
		t.Error("root task missing workflow root marker")
	}
	if root.AgentType != "" {
		t.Errorf("root task must not carry an agent type, got %q", root.AgentType)
	}

	children, err := s.ListTasks(store.TaskFilter{ParentTaskID: root.ID})
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	// 6 stages, analysis stage has two branches.
	if len(children) != 7 {
		t.Fatalf("expected 7 stage tasks, got %d", len(children))
	}

	byStage := make(map[string][]*models.Task)
	for _, task := range children {
		byStage[task.Metadata[models.MetaStage]] = append(byStage[task.Metadata[models.MetaStage]], task)
	}

	planning := byStage["planning"]
	if len(planning) != 1 {
		t.Fatalf("expected 1 planning task, got %d", len(planning))
	}
	if planning[0].Status != models.TaskStatusPending {
		t.Errorf("first stage must start pending, got %s", planning[0].Status)
	}
	if len(planning[0].Dependencies) != 0 {
		t.Errorf("first stage must have no dependencies, got %v", planning[0].Dependencies)
	}

	analysis := byStage["analysis"]
	if len(analysis) != 2 {
		t.Fatalf("expected 2 analysis tasks, got %d", len(analysis))
	}
	for _, task := range analysis {
		if task.Status != models.TaskStatusBlocked {
			t.Errorf("later stage task %s must start blocked, got %s", task.ID, task.Status)
		}
		if len(task.Dependencies) != 1 || task.Dependencies[0] != planning[0].ID {
			t.Errorf("analysis task %s must depend on planning, got %v", task.ID, task.Dependencies)
		}
	}

	dataModel := byStage["data-model"]
	if len(dataModel) != 1 {
		t.Fatalf("expected 1 data-model task, got %d", len(dataModel))
	}
	if len(dataModel[0].Dependencies) != 2 {
		t.Errorf("data-model must depend on both analysis branches, got %v", dataModel[0].Dependencies)
	}

	// Titles have the placeholder substituted.
	if planning[0].Title != "Plan: build a todo API" {
		t.Errorf("unexpected planning title %q", planning[0].Title)
	}

	// Stage index metadata follows pipeline order.
	for _, task := range children {
		if _, err := strconv.Atoi(task.Metadata[models.MetaStageIndex]); err != nil {
			t.Errorf("task %s has bad stage index %q", task.ID, task.Metadata[models.MetaStageIndex])
		}
	}
}

func TestComposeEmptyRequirement(t *testing.T) {
	c := NewComposer(store.NewMemory(), nil)
	if _, err := c.Compose("p1", "   "); err == nil {
		t.Fatal("expected error for empty requirement")
	}
}

func TestComposeInvalidPipelineWritesNothing(t *testing.T) {
	s := store.NewMemory()
	bad := &Pipeline{
		Name: "bad",
		Stages: []Stage{
			{Name: "only", Tasks: []TaskSpec{{
				Title:     "Do: {requirement}",
				Type:      models.TaskTypeImplementation,
				AgentType: models.AgentType("nonsense"),
			}}},
		},
	}

	c := NewComposer(s, bad)
	_, err := c.Compose("p1", "anything")

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	tasks, listErr := s.ListTasks(store.TaskFilter{ProjectID: "p1"})
	if listErr != nil {
		t.Fatalf("list: %v", listErr)
	}
	if len(tasks) != 0 {
		t.Errorf("validation failure must persist nothing, found %d tasks", len(tasks))
	}
}

func TestComposedGraphIsAcyclic(t *testing.T) {
	s := store.NewMemory()
	c := NewComposer(s, nil)
	root, err := c.Compose("p1", "ship it")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	children, err := s.ListTasks(store.TaskFilter{ParentTaskID: root.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, err := graph.Build(children); err != nil {
		t.Fatalf("composed graph must validate: %v", err)
	}
}

func TestLoadPipelineYAML(t *testing.T) {
	data := `
name: custom
stages:
  - name: build
    tasks:
      - title: "Build: {requirement}"
        description: "Implement {requirement}"
        type: implementation
        agent_type: engineer
        priority: high
  - name: verify
    tasks:
      - title: "Test: {requirement}"
        description: "Write and run tests for {requirement}"
        type: testing
        agent_type: tester
`
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	p, err := LoadPipeline(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Name != "custom" || len(p.Stages) != 2 {
		t.Fatalf("unexpected pipeline: %+v", p)
	}
	if p.Stages[0].Tasks[0].AgentType != models.AgentTypeEngineer {
		t.Errorf("agent type not parsed: %q", p.Stages[0].Tasks[0].AgentType)
	}
}

func TestLoadPipelineRejectsInvalid(t *testing.T) {
	data := `
name: broken
stages:
  - name: build
    tasks: []
`
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if _, err := LoadPipeline(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short unchanged", "fix the login bug", 80, "fix the login bug"},
		{"exact length unchanged", "abcdefgh", 8, "abcdefgh"},
		{"ascii cut", "abcdefghij", 8, "abcde..."},
		{"multibyte cut on rune boundary", strings.Repeat("日", 10), 10, "日日..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncate(%q, %d) produced invalid UTF-8: %q", tt.in, tt.n, got)
			}
		})
	}
}
