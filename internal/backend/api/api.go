// Package api implements the model API back-end: a task is executed by a
// single non-streaming round-trip to the Claude Messages endpoint.
package api

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/zephyros/executor/internal/backend"
	"github.com/zephyros/executor/internal/common/logger"
	v1 "github.com/zephyros/executor/pkg/api/v1"
)

const promptPreamble = "You are ZephyrOS Executor, an AI assistant that completes coding and development tasks."

// MessagesClient captures the subset of the Anthropic SDK used by this
// back-end. It is satisfied by *sdk.MessageService so tests can pass a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Backend executes tasks through the model vendor's messages endpoint.
type Backend struct {
	msg       MessagesClient
	model     string
	maxTokens int
	logger    *logger.Logger
}

var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Prober  = (*Backend)(nil)
)

// New creates a model API back-end on top of an existing messages client.
func New(msg MessagesClient, model string, maxTokens int, log *logger.Logger) *Backend {
	return &Backend{
		msg:       msg,
		model:     model,
		maxTokens: maxTokens,
		logger:    log.WithFields(zap.String("component", "api-backend")),
	}
}

// NewFromAPIKey creates a back-end with the vendor's default HTTP client.
func NewFromAPIKey(apiKey, model string, maxTokens int, log *logger.Logger) *Backend {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Messages, model, maxTokens, log)
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return string(v1.ExecutionModeAPI) }

// Probe sends a tiny synthetic message to verify credentials and reachability.
func (b *Backend) Probe(ctx context.Context) error {
	_, err := b.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(b.model),
		MaxTokens: 10,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock("Hello"))},
	})
	if err != nil {
		return fmt.Errorf("model API probe: %w", err)
	}
	return nil
}

// Execute implements backend.Backend with one request/response round-trip.
// A successful reply with empty content is still a success.
func (b *Backend) Execute(ctx context.Context, task *v1.Task, _ backend.ProgressFunc) *v1.ExecutionResult {
	start := time.Now()
	prompt := BuildPrompt(task.Description, task.Context)

	b.logger.WithTaskID(task.ID).Info("sending task to model API", zap.String("model", b.model))

	msg, err := b.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(b.model),
		MaxTokens: int64(b.maxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
	})
	if err != nil {
		b.logger.WithTaskID(task.ID).WithError(err).Error("model API call failed")
		return &v1.ExecutionResult{
			Success:              false,
			Error:                err.Error(),
			Response:             "",
			ExecutionTimeSeconds: time.Since(start).Seconds(),
		}
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	usage := &v1.TokenUsage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}

	b.logger.WithTaskID(task.ID).Info("model API call completed",
		zap.Int("total_tokens", usage.TotalTokens))

	return &v1.ExecutionResult{
		Success:              true,
		Response:             text.String(),
		Usage:                usage,
		Model:                b.model,
		ExecutionTimeSeconds: time.Since(start).Seconds(),
	}
}

// BuildPrompt assembles the single user message sent to the model: preamble,
// the task description verbatim, an optional CONTEXT block, and the trailing
// instruction block.
func BuildPrompt(description string, context map[string]interface{}) string {
	parts := []string{
		promptPreamble,
		"",
		"TASK:",
		description,
	}

	if len(context) > 0 {
		parts = append(parts, "", "CONTEXT:")
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %v", k, context[k]))
		}
	}

	parts = append(parts,
		"",
		"Please complete this task and provide detailed output including:",
		"1. Your approach and reasoning",
		"2. Any code or artifacts generated",
		"3. Next steps or recommendations",
	)

	return strings.Join(parts, "\n")
}
