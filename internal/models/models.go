// Package models holds the persisted entities of the orchestration core:
// Session, SessionMessage, and Job, plus the canonical agent Message shape
// that Message Parser produces and Message Service persists.
package models

import "time"

// Provider tags which external agent executable drives a session.
type Provider string

const (
	ProviderClaudeCode Provider = "claude-code"
	ProviderCodexCLI   Provider = "codex-cli"
	ProviderACP        Provider = "acp"
	ProviderCopilot    Provider = "copilot-cli"
)

// SessionState is the coarse lifecycle state of a Session.
type SessionState string

const (
	SessionStateActive   SessionState = "active"
	SessionStateInactive SessionState = "inactive"
)

// Session is a logical conversation bound to one project path, one
// provider, and an ordered message history.
type Session struct {
	ID                  string       `db:"id" json:"id"`
	Provider            Provider     `db:"provider" json:"provider"`
	ProjectPath         string       `db:"project_path" json:"projectPath"`
	Name                string       `db:"name" json:"name"`
	ClaudeDirectoryPath *string      `db:"claude_directory_path" json:"claudeDirectoryPath,omitempty"`
	State               SessionState `db:"state" json:"state"`
	CreatedAt           time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt           time.Time    `db:"updated_at" json:"updatedAt"`
	LastAccessedAt       time.Time    `db:"last_accessed_at" json:"lastAccessedAt"`
	LastMessageSentAt    *time.Time   `db:"last_message_sent_at" json:"lastMessageSentAt,omitempty"`

	IsWorking      bool    `db:"is_working" json:"isWorking"`
	CurrentJobID   *string `db:"current_job_id" json:"currentJobId,omitempty"`
	LastJobStatus  *string `db:"last_job_status" json:"lastJobStatus,omitempty"`

	MessageCount int   `db:"message_count" json:"messageCount"`
	TokenCount   int64 `db:"token_count" json:"tokenCount"`

	ProviderSessionID *string `db:"provider_session_id" json:"providerSessionId,omitempty"`

	Context  string `db:"context" json:"context,omitempty"`
	Metadata string `db:"metadata" json:"metadata,omitempty"`
}

// MessageType is the normalized kind of a canonical message.
type MessageType string

const (
	MessageTypeUser      MessageType = "user"
	MessageTypeAssistant MessageType = "assistant"
	MessageTypeSystem    MessageType = "system"
	MessageTypeResult    MessageType = "result"
	MessageTypeError     MessageType = "error"
)

// SessionMessage is the canonical, append-only on-disk message row. Once
// inserted, no field is mutated.
type SessionMessage struct {
	ID                string      `db:"id" json:"id"`
	SessionID         string      `db:"session_id" json:"sessionId"`
	Ordinal           int64       `db:"ordinal" json:"ordinal"`
	Type              MessageType `db:"type" json:"type"`
	ParentToolUseID   *string     `db:"parent_tool_use_id" json:"parentToolUseId,omitempty"`
	ContentData       string      `db:"content_data" json:"-"` // raw JSON envelope
	ProviderSessionID *string     `db:"provider_session_id" json:"providerSessionId,omitempty"`
	CreatedAt         time.Time   `db:"created_at" json:"createdAt"`
}

// JobStatus is the state-machine state of a queued job (§4.F).
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Job is one outstanding (or historical) unit of queued agent work.
type Job struct {
	ID          string     `db:"id" json:"id"`
	SessionID   string     `db:"session_id" json:"sessionId"`
	PromptID    string     `db:"prompt_id" json:"promptId"`
	Provider    Provider   `db:"provider" json:"provider"`
	Status      JobStatus  `db:"status" json:"status"`
	Attempts    int        `db:"attempts" json:"attempts"`
	MaxAttempts int        `db:"max_attempts" json:"maxAttempts"`
	LeaseUntil  *time.Time `db:"lease_until" json:"leaseUntil,omitempty"`
	Data        string     `db:"data" json:"data"` // JSON: {projectPath, prompt, model, allowedTools?}
	Error       *string    `db:"error" json:"error,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updatedAt"`
	CompletedAt *time.Time `db:"completed_at" json:"completedAt,omitempty"`
}

// JobData is the typed view of Job.Data.
type JobData struct {
	ProjectPath  string   `json:"projectPath"`
	Prompt       string   `json:"prompt"`
	Model        string   `json:"model,omitempty"`
	AllowedTools []string `json:"allowedTools,omitempty"`
}

// IsActive reports whether the job counts toward the one-active-job rule.
func (j *Job) IsActive() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusProcessing
}

// IsTerminal reports whether the job's status is absorbing.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}
