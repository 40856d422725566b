package capability

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ShayCichocki/taskforge/pkg/models"
)

// rolePrompts gives each agent type its working persona.
var rolePrompts = map[models.AgentType]string{
	models.AgentTypePlanner:        "You are a delivery planner. Break the requirement into a concrete, ordered plan with clear milestones and risks.",
	models.AgentTypeProductManager: "You are a product manager. Produce precise functional requirements and acceptance criteria.",
	models.AgentTypeArchitect:      "You are a software architect. Design component boundaries, data models, and interfaces.",
	models.AgentTypeEngineer:       "You are a senior software engineer. Implement the requested work cleanly and describe the resulting changes.",
	models.AgentTypeTester:         "You are a QA engineer. Design and describe tests that verify the work against its acceptance criteria.",
	models.AgentTypeDevOps:         "You are a DevOps engineer. Produce deployment configuration and rollout steps.",
	models.AgentTypeReviewer:       "You are a meticulous reviewer. Assess the delivered work against the original requirement and flag gaps.",
}

const defaultRolePrompt = "You are an AI assistant helping with software development tasks."

// AnthropicConfig configures the Anthropic-backed capability.
type AnthropicConfig struct {
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY env var.
	APIKey string
	// Model is the Claude model to use.
	Model anthropic.Model
	// MaxTokens bounds response length per call.
	MaxTokens int64
}

// Anthropic executes tasks through the Anthropic Messages API, one call
// per task, with a role-specific system prompt per agent type.
type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	tracker   *TokenTracker
}

// NewAnthropic creates the capability from config.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
	}

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	return &Anthropic{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: maxTokens,
		tracker:   NewTokenTracker(),
	}, nil
}

// Tracker returns the cumulative token tracker for this capability.
func (a *Anthropic) Tracker() *TokenTracker {
	return a.tracker
}

// Execute sends the task as a single message exchange and returns the
// model's text output with token and cost accounting.
func (a *Anthropic) Execute(ctx context.Context, req Request) (*Result, error) {
	system, ok := rolePrompts[req.AgentType]
	if !ok {
		system = defaultRolePrompt
	}

	prompt := req.Description
	if prompt == "" {
		prompt = req.Title
	}
	if req.UpstreamContext != "" {
		prompt = fmt.Sprintf("%s\n\n## Upstream Results\n%s", prompt, req.UpstreamContext)
	}

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call for task %s: %w", req.TaskID, err)
	}

	a.tracker.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var output strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			output.WriteString(variant.Text)
		}
	}

	tokens := resp.Usage.InputTokens + resp.Usage.OutputTokens
	cost := costUSD(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	log.Printf("[capability] task %s used %d tokens ($%.4f)", req.TaskID, tokens, cost)

	return &Result{
		Output:     output.String(),
		TokensUsed: tokens,
		CostUSD:    cost,
	}, nil
}

// costUSD estimates spend at Sonnet pricing: $3/1M input, $15/1M output.
func costUSD(input, output int64) float64 {
	return float64(input)/1_000_000*3.0 + float64(output)/1_000_000*15.0
}

// TokenTracker accumulates token usage across API calls.
type TokenTracker struct {
	mu        sync.Mutex
	inputTok  int64
	outputTok int64
	calls     int
}

// NewTokenTracker creates a new token tracker.
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{}
}

// Add records token usage from an API call.
func (t *TokenTracker) Add(input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok += input
	t.outputTok += output
	t.calls++
}

// Total returns the total input and output tokens tracked.
func (t *TokenTracker) Total() (input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputTok, t.outputTok
}

// Calls returns the number of API calls made.
func (t *TokenTracker) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// Cost estimates the tracked spend in USD.
func (t *TokenTracker) Cost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return costUSD(t.inputTok, t.outputTok)
}
