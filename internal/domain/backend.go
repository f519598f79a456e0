package domain

import "time"

// HealthStatus mirrors the backend's health report.
type HealthStatus struct {
	Status        string    `json:"status"`
	Database      bool      `json:"database"`
	GraphDatabase bool      `json:"graph_database"`
	LLMConnection bool      `json:"llm_connection"`
	Version       string    `json:"version"`
	Timestamp     time.Time `json:"timestamp"`
}

func (h HealthStatus) Healthy() bool { return h.Status == "healthy" }

// SearchKind selects the retrieval strategy for a search request.
type SearchKind string

const (
	SearchVector SearchKind = "vector"
	SearchGraph  SearchKind = "graph"
	SearchHybrid SearchKind = "hybrid"
)

type SearchRequest struct {
	Query string     `json:"query"`
	Kind  SearchKind `json:"-"`
	Limit int        `json:"limit,omitempty"`
}

type SearchResult struct {
	Content    string         `json:"content"`
	Score      float64        `json:"score"`
	DocumentID string         `json:"document_id"`
	Source     string         `json:"document_source"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type SearchResults struct {
	Results     []SearchResult `json:"results"`
	Total       int            `json:"total_results"`
	Kind        SearchKind     `json:"search_type"`
	QueryTimeMs float64        `json:"query_time_ms"`
}

// DocumentInfo describes one document in the backend's corpus.
type DocumentInfo struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Source     string    `json:"source"`
	ChunkCount int       `json:"chunk_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type DocumentPage struct {
	Documents []DocumentInfo `json:"documents"`
	Total     int            `json:"total"`
	Limit     int            `json:"limit"`
	Offset    int            `json:"offset"`
}

// IngestResult reports what the backend did with an uploaded document.
type IngestResult struct {
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks_created"`
	Message    string `json:"message"`
}

// QueryResponse is the backend's non-streaming chat reply.
type QueryResponse struct {
	Message   string         `json:"message"`
	SessionID string         `json:"session_id"`
	Sources   []SearchResult `json:"sources,omitempty"`
	ToolCalls []ToolCall     `json:"tools_used,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
