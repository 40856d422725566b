// Package compose turns a high-level requirement into a persisted,
// dependency-linked task graph following a staged pipeline template.
package compose

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/taskforge/pkg/models"
)

// TaskSpec describes one task template within a pipeline stage. The
// {requirement} placeholder in Title and Description is substituted with
// the workflow requirement at composition time.
type TaskSpec struct {
	Title       string           `yaml:"title"`
	Description string           `yaml:"description"`
	Type        models.TaskType  `yaml:"type"`
	AgentType   models.AgentType `yaml:"agent_type"`
	Priority    models.Priority  `yaml:"priority"`
	MaxRetries  int              `yaml:"max_retries"`
}

// Stage is a set of task branches that run in parallel. Every task in a
// stage depends on every task of the previous stage.
type Stage struct {
	Name  string     `yaml:"name"`
	Tasks []TaskSpec `yaml:"tasks"`
}

// Pipeline is an ordered list of stages.
type Pipeline struct {
	Name   string  `yaml:"name"`
	Stages []Stage `yaml:"stages"`
}

// DefaultPipeline returns the built-in software delivery pipeline:
// planning, parallel requirements and architecture, data model,
// implementation, deployment, final review.
func DefaultPipeline() *Pipeline {
	return &Pipeline{
		Name: "default",
		Stages: []Stage{
			{
				Name: "planning",
				Tasks: []TaskSpec{{
					Title:       "Plan: {requirement}",
					Description: "Break down the requirement into a concrete delivery plan: {requirement}",
					Type:        models.TaskTypePlanning,
					AgentType:   models.AgentTypePlanner,
					Priority:    models.PriorityHigh,
				}},
			},
			{
				Name: "analysis",
				Tasks: []TaskSpec{
					{
						Title:       "Requirements: {requirement}",
						Description: "Write detailed functional requirements and acceptance criteria for: {requirement}",
						Type:        models.TaskTypeDesign,
						AgentType:   models.AgentTypeProductManager,
						Priority:    models.PriorityHigh,
					},
					{
						Title:       "Architecture: {requirement}",
						Description: "Design the system architecture and component boundaries for: {requirement}",
						Type:        models.TaskTypeDesign,
						AgentType:   models.AgentTypeArchitect,
						Priority:    models.PriorityHigh,
					},
				},
			},
			{
				Name: "data-model",
				Tasks: []TaskSpec{{
					Title:       "Data model: {requirement}",
					Description: "Define the data model and storage schema for: {requirement}",
					Type:        models.TaskTypeDesign,
					AgentType:   models.AgentTypeArchitect,
					Priority:    models.PriorityMedium,
				}},
			},
			{
				Name: "implementation",
				Tasks: []TaskSpec{{
					Title:       "Implement: {requirement}",
					Description: "Implement the solution per the approved plan and architecture: {requirement}",
					Type:        models.TaskTypeImplementation,
					AgentType:   models.AgentTypeEngineer,
					Priority:    models.PriorityHigh,
				}},
			},
			{
				Name: "deployment",
				Tasks: []TaskSpec{{
					Title:       "Deploy: {requirement}",
					Description: "Prepare deployment configuration and rollout steps for: {requirement}",
					Type:        models.TaskTypeDeployment,
					AgentType:   models.AgentTypeDevOps,
					Priority:    models.PriorityMedium,
				}},
			},
			{
				Name: "review",
				Tasks: []TaskSpec{{
					Title:       "Final review: {requirement}",
					Description: "Review the delivered work end to end against the original requirement: {requirement}",
					Type:        models.TaskTypeReview,
					AgentType:   models.AgentTypeReviewer,
					Priority:    models.PriorityMedium,
				}},
			},
		},
	}
}

// LoadPipeline reads a pipeline definition from a YAML file.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse pipeline file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the pipeline for structural problems before it is
// used to compose a workflow.
func (p *Pipeline) Validate() error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline %q has no stages", p.Name)
	}
	for i, stage := range p.Stages {
		if strings.TrimSpace(stage.Name) == "" {
			return fmt.Errorf("stage %d has no name", i)
		}
		if len(stage.Tasks) == 0 {
			return fmt.Errorf("stage %q has no tasks", stage.Name)
		}
		for j, spec := range stage.Tasks {
			if strings.TrimSpace(spec.Title) == "" {
				return fmt.Errorf("stage %q task %d has no title", stage.Name, j)
			}
			if !spec.AgentType.Valid() {
				return fmt.Errorf("stage %q task %d: invalid agent type %q", stage.Name, j, spec.AgentType)
			}
			if !spec.Type.Valid() {
				return fmt.Errorf("stage %q task %d: invalid task type %q", stage.Name, j, spec.Type)
			}
		}
	}
	return nil
}
