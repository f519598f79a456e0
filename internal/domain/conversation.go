package domain

import "time"

// Conversation is one locally tracked chat thread. BackendSessionID is
// the backend's id for the same thread once the first session frame
// reveals it; until then it is empty and the backend treats the thread
// as new.
type Conversation struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Channel          string    `json:"channel"`
	ChatID           string    `json:"chat_id"`
	BackendSessionID string    `json:"backend_session_id,omitempty"`
	Preset           string    `json:"preset,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Preset is a reusable query template: a named system prompt plus
// default request options, loaded from YAML.
type Preset struct {
	Name         string     `json:"name" yaml:"name"`
	Description  string     `json:"description" yaml:"description"`
	SystemPrompt string     `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Template     string     `json:"template,omitempty" yaml:"template,omitempty"` // wraps user input, {{input}} placeholder
	Model        string     `json:"model,omitempty" yaml:"model,omitempty"`
	SearchKind   SearchKind `json:"search_type,omitempty" yaml:"search_type,omitempty"`
	BuiltIn      bool       `json:"built_in" yaml:"-"`
}

// AuditEntry is one line in the security audit trail.
type AuditEntry struct {
	Time    time.Time `json:"time"`
	Channel string    `json:"channel"`
	Actor   string    `json:"actor"`
	Action  string    `json:"action"` // query | cancel | pair | ingest | denied
	Detail  string    `json:"detail,omitempty"`
}
