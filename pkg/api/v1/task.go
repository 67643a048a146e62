// Package v1 defines the wire types exchanged with the ZMemory orchestrator.
package v1

import "encoding/json"

// TaskStatus is the status value reported back to the orchestrator.
type TaskStatus string

const (
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// ExecutionMode selects the back-end used to execute a task.
type ExecutionMode string

const (
	ExecutionModeAPI     ExecutionMode = "api"
	ExecutionModeProcess ExecutionMode = "process"
)

// Task is a unit of work leased from the orchestrator.
//
// Extra stores any fields this agent does not interpret; they are preserved
// verbatim when the task is marshalled back.
type Task struct {
	ID            string                 `json:"id"`
	Description   string                 `json:"description"`
	Context       map[string]interface{} `json:"context,omitempty"`
	Files         map[string]string      `json:"files,omitempty"`
	ExecutionMode ExecutionMode          `json:"execution_mode,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// knownTaskFields are the descriptor fields the agent interprets itself.
var knownTaskFields = map[string]struct{}{
	"id": {}, "description": {}, "context": {}, "files": {}, "execution_mode": {},
}

// UnmarshalJSON decodes the known descriptor fields and keeps everything else
// in Extra so opaque orchestrator fields survive a round-trip.
func (t *Task) UnmarshalJSON(data []byte) error {
	type alias Task
	var known alias
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	*t = Task(known)

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k := range knownTaskFields {
		delete(all, k)
	}
	if len(all) > 0 {
		t.Extra = all
	}
	return nil
}

// MarshalJSON re-emits the descriptor including any opaque fields.
func (t Task) MarshalJSON() ([]byte, error) {
	type alias Task
	base, err := json.Marshal(alias(t))
	if err != nil {
		return nil, err
	}
	if len(t.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range t.Extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// TokenUsage reports model token consumption for a task.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Artifact describes a file produced by a task under the workspace output tree.
// InlineContent is populated only for small text-like files.
type Artifact struct {
	Name          string `json:"name"`
	RelativePath  string `json:"relative_path"`
	SizeBytes     int64  `json:"size_bytes"`
	TypeHint      string `json:"type_hint"`
	InlineContent string `json:"inline_content,omitempty"`
}

// ExecutionResult is the outcome of running a task through any back-end.
type ExecutionResult struct {
	Success              bool        `json:"success"`
	Response             string      `json:"response"`
	Usage                *TokenUsage `json:"usage,omitempty"`
	Artifacts            []Artifact  `json:"artifacts,omitempty"`
	ExecutionTimeSeconds float64     `json:"execution_time_seconds"`
	ExitCode             *int        `json:"exit_code,omitempty"`
	Error                string      `json:"error,omitempty"`
	Model                string      `json:"model,omitempty"`
}
