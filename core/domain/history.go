package domain

import (
	"time"

	"github.com/goccy/go-json"
)

// =============================================================================
// Analysis History Domain
// =============================================================================

// AnalysisType identifies what kind of linguistic analysis produced an item.
type AnalysisType string

const (
	AnalysisWord      AnalysisType = "word"
	AnalysisSentence  AnalysisType = "sentence"
	AnalysisParagraph AnalysisType = "paragraph"
)

// Valid reports whether t is one of the known analysis types.
func (t AnalysisType) Valid() bool {
	switch t {
	case AnalysisWord, AnalysisSentence, AnalysisParagraph:
		return true
	}
	return false
}

// AnalysisHistoryItem is the unit of record across all cache tiers.
//
// ID is the identity key: two items with the same ID represent the same
// logical record in every tier. Timestamp (epoch milliseconds) orders items
// and decides merge conflicts. Result is an opaque payload owned by the
// analysis layer; the cache engine never inspects its shape.
type AnalysisHistoryItem struct {
	ID           string          `json:"id"`
	Type         AnalysisType    `json:"type"`
	Input        string          `json:"input"`
	Result       json.RawMessage `json:"result,omitempty"`
	Timestamp    int64           `json:"timestamp"`
	SessionID    string          `json:"session_id,omitempty"`
	SessionTitle string          `json:"session_title,omitempty"`
	AnalysisID   string          `json:"analysis_id,omitempty"`
	CreatedAt    string          `json:"created_at,omitempty"`
	UpdatedAt    string          `json:"updated_at,omitempty"`
}

// NewerThan reports whether the item carries a strictly higher timestamp
// than other. Used for latest-wins conflict resolution.
func (i *AnalysisHistoryItem) NewerThan(other *AnalysisHistoryItem) bool {
	if other == nil {
		return true
	}
	return i.Timestamp > other.Timestamp
}

// CreatedTime converts the epoch-millisecond timestamp to time.Time.
func (i *AnalysisHistoryItem) CreatedTime() time.Time {
	return time.UnixMilli(i.Timestamp)
}

// Clone returns a shallow copy with its own Result slice, safe to hand to
// callers that may mutate metadata fields.
func (i *AnalysisHistoryItem) Clone() *AnalysisHistoryItem {
	if i == nil {
		return nil
	}
	cp := *i
	if i.Result != nil {
		cp.Result = append(json.RawMessage(nil), i.Result...)
	}
	return &cp
}

// HistoryFilter narrows remote-store list queries.
type HistoryFilter struct {
	OwnerID   string
	Type      *AnalysisType
	Limit     int
	Offset    int
	SortBy    string // default "timestamp"
	SortOrder string // "asc" | "desc", default "desc"
}

// Normalize fills filter defaults in place and returns the filter.
func (f *HistoryFilter) Normalize() *HistoryFilter {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.SortBy == "" {
		f.SortBy = "timestamp"
	}
	if f.SortOrder != "asc" {
		f.SortOrder = "desc"
	}
	return f
}
