package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SessionID uniquely identifies one task execution.
type SessionID string

// Task is the durable record of one automation session. A Task row must
// exist before any Step referencing its session is written.
type Task struct {
	SessionID    SessionID `json:"session_id"`
	UserID       string    `json:"user_id"`
	Timestamp    time.Time `json:"timestamp"`
	Description  string    `json:"description"`
	State        TaskState `json:"state"`
	TotalSteps   int       `json:"total_steps"`
	TotalTime    float64   `json:"total_time"` // seconds
	ErrorMessage string    `json:"error_message,omitempty"`
	// PriorState preserves a terminal outcome that was later overwritten
	// with CRASHED during recovery.
	PriorState TaskState `json:"prior_state,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	Endpoint   string    `json:"endpoint,omitempty"`
	ModelName  string    `json:"model_name,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewTask creates a task with a generated session ID and creation timestamp.
func NewTask(description, userID string) *Task {
	if userID == "" {
		userID = "default_user"
	}
	return &Task{
		SessionID:   SessionID(uuid.NewString()),
		UserID:      userID,
		Timestamp:   time.Now(),
		Description: description,
		State:       StateCreated,
	}
}

// WithDevice sets the device the task runs against.
func (t *Task) WithDevice(deviceID string) *Task {
	t.DeviceID = deviceID
	return t
}

// WithModel sets the model endpoint and name.
func (t *Task) WithModel(endpoint, modelName string) *Task {
	t.Endpoint = endpoint
	t.ModelName = modelName
	return t
}

// Step is one discrete unit of progress within a session. The pair
// (SessionID, StepNum) is the idempotency key: re-inserting an existing pair
// must leave exactly one row.
type Step struct {
	SessionID          SessionID       `json:"session_id"`
	StepNum            int             `json:"step_num"`
	ScreenshotPath     string          `json:"screenshot_path,omitempty"`
	ScreenshotAnalysis string          `json:"screenshot_analysis,omitempty"`
	Action             json.RawMessage `json:"action,omitempty"`
	ActionParams       json.RawMessage `json:"action_params,omitempty"`
	ExecutionTime      float64         `json:"execution_time"` // seconds
	Success            bool            `json:"success"`
	Message            string          `json:"message"`
	Thinking           string          `json:"thinking,omitempty"`
}
