package api

import (
	"context"
	"errors"
	"strings"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zephyros/executor/internal/common/logger"
	v1 "github.com/zephyros/executor/pkg/api/v1"
)

type stubMessages struct {
	gotParams sdk.MessageNewParams
	reply     *sdk.Message
	err       error
}

func (s *stubMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.gotParams = body
	return s.reply, s.err
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func textReply(text string, in, out int64) *sdk.Message {
	return &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: text}},
		Usage:   sdk.Usage{InputTokens: in, OutputTokens: out},
	}
}

func TestExecuteSuccess(t *testing.T) {
	stub := &stubMessages{reply: textReply("here is the summary", 120, 45)}
	b := New(stub, "claude-sonnet-4", 4096, testLogger(t))

	task := &v1.Task{
		ID:          "t1",
		Description: "summarize the report",
		Context:     map[string]interface{}{"audience": "execs"},
	}
	result := b.Execute(context.Background(), task, nil)

	assert.True(t, result.Success)
	assert.Equal(t, "here is the summary", result.Response)
	assert.Equal(t, "claude-sonnet-4", result.Model)
	require.NotNil(t, result.Usage)
	assert.Equal(t, 120, result.Usage.InputTokens)
	assert.Equal(t, 45, result.Usage.OutputTokens)
	assert.Equal(t, 165, result.Usage.TotalTokens)
	assert.GreaterOrEqual(t, result.ExecutionTimeSeconds, 0.0)

	assert.Equal(t, sdk.Model("claude-sonnet-4"), stub.gotParams.Model)
	assert.Equal(t, int64(4096), stub.gotParams.MaxTokens)
	require.Len(t, stub.gotParams.Messages, 1)
}

func TestExecuteConcatenatesTextBlocks(t *testing.T) {
	stub := &stubMessages{reply: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "part one. "},
			{Type: "tool_use"},
			{Type: "text", Text: "part two."},
		},
	}}
	b := New(stub, "claude-sonnet-4", 4096, testLogger(t))

	result := b.Execute(context.Background(), &v1.Task{ID: "t1", Description: "x"}, nil)
	assert.True(t, result.Success)
	assert.Equal(t, "part one. part two.", result.Response)
}

func TestExecuteEmptyReplyIsStillSuccess(t *testing.T) {
	stub := &stubMessages{reply: &sdk.Message{}}
	b := New(stub, "claude-sonnet-4", 4096, testLogger(t))

	result := b.Execute(context.Background(), &v1.Task{ID: "t1", Description: "x"}, nil)
	assert.True(t, result.Success)
	assert.Empty(t, result.Response)
}

func TestExecuteVendorError(t *testing.T) {
	stub := &stubMessages{err: errors.New("overloaded")}
	b := New(stub, "claude-sonnet-4", 4096, testLogger(t))

	result := b.Execute(context.Background(), &v1.Task{ID: "t1", Description: "x"}, nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "overloaded")
	assert.Empty(t, result.Response)
	assert.Nil(t, result.Usage)
}

func TestProbe(t *testing.T) {
	stub := &stubMessages{reply: textReply("hi", 1, 1)}
	b := New(stub, "claude-sonnet-4", 4096, testLogger(t))
	assert.NoError(t, b.Probe(context.Background()))
	assert.Equal(t, int64(10), stub.gotParams.MaxTokens)

	stub.err = errors.New("invalid api key")
	err := b.Probe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt("write a haiku", map[string]interface{}{
		"tone":    "calm",
		"season":  "winter",
		"attempt": 2,
	})

	assert.Contains(t, prompt, promptPreamble)
	assert.Contains(t, prompt, "TASK:\nwrite a haiku")
	assert.Contains(t, prompt, "CONTEXT:")
	// Context keys are emitted in sorted order.
	attemptIdx := indexOf(t, prompt, "attempt: 2")
	seasonIdx := indexOf(t, prompt, "season: winter")
	toneIdx := indexOf(t, prompt, "tone: calm")
	assert.Less(t, attemptIdx, seasonIdx)
	assert.Less(t, seasonIdx, toneIdx)
}

func TestBuildPromptWithoutContext(t *testing.T) {
	prompt := BuildPrompt("do the thing", nil)
	assert.NotContains(t, prompt, "CONTEXT:")
	assert.Contains(t, prompt, "do the thing")
}

func indexOf(t *testing.T, haystack, needle string) int {
	t.Helper()
	idx := strings.Index(haystack, needle)
	require.GreaterOrEqual(t, idx, 0, "expected %q in prompt", needle)
	return idx
}
