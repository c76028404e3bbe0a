package ipc

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Task payload types.
const (
	TaskMessage      = "message"       // orchestrator to sandbox: handle this chat message
	TaskScheduleTask = "schedule_task" // sandbox to orchestrator: register a one-shot job
	TaskResult       = "result"        // sandbox to orchestrator: reply text
	TaskError        = "error"         // sandbox to orchestrator: the run failed
	TaskKBSearch     = "kb_search"     // sandbox to orchestrator: query the knowledge base
	TaskKBLearn      = "kb_learn"      // sandbox to orchestrator: store or supersede a document
	TaskKBResult     = "kb_result"     // orchestrator to sandbox: answer to a kb request
)

// Task is the JSON document carried in a message payload.
type Task struct {
	Type         string `json:"type"`
	InvocationID string `json:"invocation_id,omitempty"`
	GroupID      string `json:"group_id,omitempty"`
	ChatID       string `json:"chat_id,omitempty"`
	SenderID     string `json:"sender_id,omitempty"`
	Text         string `json:"text,omitempty"`

	// schedule_task
	JobID   string `json:"job_id,omitempty"`
	At      string `json:"at,omitempty"` // RFC 3339
	Prompt  string `json:"prompt,omitempty"`
	Timeout string `json:"timeout,omitempty"`

	// error
	Error string `json:"error,omitempty"`

	// knowledge base
	RequestID string `json:"request_id,omitempty"`
	Query     string `json:"query,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	DocID     string `json:"doc_id,omitempty"`
	Title     string `json:"title,omitempty"`
}

const taskSchemaURL = "https://warden.schemas.local/ipc/task.schema.json"

const taskSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["message", "schedule_task", "result", "error", "kb_search", "kb_learn", "kb_result"]},
    "invocation_id": {"type": "string"},
    "group_id": {"type": "string", "pattern": "^[a-z0-9][a-z0-9_-]{0,62}$"},
    "chat_id": {"type": "string"},
    "sender_id": {"type": "string"},
    "text": {"type": "string"},
    "job_id": {"type": "string", "pattern": "^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$"},
    "at": {"type": "string", "format": "date-time"},
    "prompt": {"type": "string", "minLength": 1},
    "timeout": {"type": "string"},
    "error": {"type": "string", "minLength": 1},
    "request_id": {"type": "string", "minLength": 1},
    "query": {"type": "string", "minLength": 1},
    "mode": {"enum": ["keyword", "semantic", "hybrid"]},
    "limit": {"type": "integer", "minimum": 1, "maximum": 50},
    "doc_id": {"type": "string"},
    "title": {"type": "string"}
  },
  "additionalProperties": false,
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "message"}}},
      "then": {"required": ["group_id", "chat_id", "text"]}
    },
    {
      "if": {"properties": {"type": {"const": "schedule_task"}}},
      "then": {"required": ["job_id", "at", "prompt"]}
    },
    {
      "if": {"properties": {"type": {"const": "result"}}},
      "then": {"required": ["chat_id", "text"]}
    },
    {
      "if": {"properties": {"type": {"const": "error"}}},
      "then": {"required": ["error"]}
    },
    {
      "if": {"properties": {"type": {"const": "kb_search"}}},
      "then": {"required": ["request_id", "query"]}
    },
    {
      "if": {"properties": {"type": {"const": "kb_learn"}}},
      "then": {"required": ["request_id", "text"]}
    },
    {
      "if": {"properties": {"type": {"const": "kb_result"}}},
      "then": {"required": ["request_id"]}
    }
  ]
}`

var compiledTaskSchema = mustCompileTaskSchema()

func mustCompileTaskSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(taskSchemaURL, strings.NewReader(taskSchema)); err != nil {
		panic("ipc: task schema load failed: " + err.Error())
	}
	schema, err := c.Compile(taskSchemaURL)
	if err != nil {
		panic("ipc: task schema compile failed: " + err.Error())
	}
	return schema
}

// ParseTask validates payload against the task schema and decodes it.
func ParseTask(payload []byte) (*Task, error) {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("task is not JSON: %w", err)
	}
	if err := compiledTaskSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("task schema validation failed: %w", err)
	}
	var task Task
	if err := json.Unmarshal(payload, &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}

// Encode validates and serializes a task.
func (t *Task) Encode() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	if _, err := ParseTask(data); err != nil {
		return nil, err
	}
	return data, nil
}
