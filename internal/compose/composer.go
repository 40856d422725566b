package compose

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ShayCichocki/taskforge/internal/graph"
	"github.com/ShayCichocki/taskforge/internal/store"
	"github.com/ShayCichocki/taskforge/pkg/models"
)

// ValidationError wraps a graph validation failure found while composing
// a workflow. Nothing is persisted when composition fails.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow validation failed: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Composer expands a pipeline template into a persisted task graph.
type Composer struct {
	store    store.TaskStore
	pipeline *Pipeline
}

// NewComposer creates a Composer using the given pipeline template.
func NewComposer(ts store.TaskStore, pipeline *Pipeline) *Composer {
	if pipeline == nil {
		pipeline = DefaultPipeline()
	}
	return &Composer{store: ts, pipeline: pipeline}
}

// Compose builds the full task graph for a requirement: a root task that
// tracks the workflow as a whole, plus one task per pipeline branch with
// dependencies linking each stage to the previous one. The graph is
// validated before anything is written; a validation failure leaves the
// store untouched. Returns the root task, whose ID doubles as the
// workflow ID.
func (c *Composer) Compose(projectID, requirement string) (*models.Task, error) {
	if strings.TrimSpace(requirement) == "" {
		return nil, fmt.Errorf("requirement must not be empty")
	}
	if err := c.pipeline.Validate(); err != nil {
		return nil, &ValidationError{Err: err}
	}

	now := time.Now().UTC()
	root := &models.Task{
		ID:          uuid.New().String()[:8],
		ProjectID:   projectID,
		Title:       fmt.Sprintf("Workflow: %s", truncate(requirement, 80)),
		Description: requirement,
		Type:        models.TaskTypePlanning,
		Priority:    models.PriorityHigh,
		Status:      models.TaskStatusPending,
		CreatedAt:   now,
	}
	root.SetMeta(models.MetaWorkflowRoot, "true")
	root.SetMeta(models.MetaRequirement, requirement)

	var tasks []*models.Task
	var prevStage []string
	for i, stage := range c.pipeline.Stages {
		var stageIDs []string
		for _, spec := range stage.Tasks {
			task := c.expand(root, spec, stage.Name, i, requirement, now)
			task.Dependencies = append(task.Dependencies, prevStage...)
			if len(task.Dependencies) > 0 {
				task.Status = models.TaskStatusBlocked
			}
			tasks = append(tasks, task)
			stageIDs = append(stageIDs, task.ID)
		}
		prevStage = stageIDs
	}

	if _, err := graph.Build(tasks); err != nil {
		return nil, &ValidationError{Err: err}
	}

	if err := c.store.CreateTask(root); err != nil {
		return nil, fmt.Errorf("persist workflow root: %w", err)
	}
	for _, task := range tasks {
		if err := c.store.CreateTask(task); err != nil {
			return nil, fmt.Errorf("persist task %s: %w", task.ID, err)
		}
	}

	log.Printf("[compose] workflow %s created with %d tasks across %d stages",
		root.ID, len(tasks), len(c.pipeline.Stages))
	return root, nil
}

// expand instantiates one task from its stage template.
func (c *Composer) expand(root *models.Task, spec TaskSpec, stageName string, stageIndex int, requirement string, now time.Time) *models.Task {
	maxRetries := spec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = models.DefaultMaxRetries
	}
	priority := spec.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}

	task := &models.Task{
		ID:           uuid.New().String()[:8],
		ProjectID:    root.ProjectID,
		ParentTaskID: root.ID,
		Title:        substitute(spec.Title, requirement),
		Description:  substitute(spec.Description, requirement),
		Type:         spec.Type,
		Priority:     priority,
		AgentType:    spec.AgentType,
		Status:       models.TaskStatusPending,
		MaxRetries:   maxRetries,
		CreatedAt:    now,
	}
	task.SetMeta(models.MetaStage, stageName)
	task.SetMeta(models.MetaStageIndex, strconv.Itoa(stageIndex))
	return task
}

func substitute(template, requirement string) string {
	return strings.ReplaceAll(template, "{requirement}", requirement)
}

// truncate shortens s to at most n bytes, cutting on a rune boundary so
// multi-byte characters are never split.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
