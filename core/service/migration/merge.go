package migration

import (
	"bytes"

	"github.com/goccy/go-json"

	"history_server/core/domain"
)

// =============================================================================
// Conflict Resolution
// =============================================================================

// sameContent reports whether two copies of the same logical item carry
// identical content. Identity fields are assumed equal by construction.
func sameContent(a, b *domain.AnalysisHistoryItem) bool {
	return a.Type == b.Type &&
		a.Input == b.Input &&
		a.Timestamp == b.Timestamp &&
		a.SessionID == b.SessionID &&
		a.SessionTitle == b.SessionTitle &&
		bytes.Equal(a.Result, b.Result)
}

// Resolve picks the surviving copy of a conflicted item under the given
// policy. changed reports whether the remote store must be updated: false
// means the remote copy already is the winner.
func Resolve(local, remote *domain.AnalysisHistoryItem, policy domain.ConflictPolicy) (winner *domain.AnalysisHistoryItem, changed bool) {
	switch policy {
	case domain.PolicyLocal:
		return local.Clone(), true

	case domain.PolicyRemote:
		return remote.Clone(), false

	case domain.PolicyMerge:
		return mergeItems(local, remote), true

	default: // PolicyLatest
		if local.NewerThan(remote) {
			return local.Clone(), true
		}
		return remote.Clone(), false
	}
}

// mergeItems combines two copies field by field. The newer copy is the base;
// empty fields on the base are backfilled from the other copy, and the Result
// payloads are deep-merged when both parse as JSON objects.
func mergeItems(local, remote *domain.AnalysisHistoryItem) *domain.AnalysisHistoryItem {
	base, other := remote, local
	if local.NewerThan(remote) {
		base, other = local, remote
	}

	merged := base.Clone()
	if merged.Input == "" {
		merged.Input = other.Input
	}
	if merged.SessionID == "" {
		merged.SessionID = other.SessionID
	}
	if merged.SessionTitle == "" {
		merged.SessionTitle = other.SessionTitle
	}
	if merged.AnalysisID == "" {
		merged.AnalysisID = other.AnalysisID
	}
	if merged.CreatedAt == "" {
		merged.CreatedAt = other.CreatedAt
	}
	merged.Result = mergeResult(base.Result, other.Result)
	return merged
}

// mergeResult deep-merges two result payloads, base winning on scalar
// conflicts. Falls back to the base payload (or the other, when the base has
// none) if either side is not a JSON object.
func mergeResult(base, other json.RawMessage) json.RawMessage {
	if len(base) == 0 {
		return other
	}
	if len(other) == 0 {
		return base
	}

	var baseMap, otherMap map[string]any
	if err := json.Unmarshal(base, &baseMap); err != nil {
		return base
	}
	if err := json.Unmarshal(other, &otherMap); err != nil {
		return base
	}

	merged := deepMerge(otherMap, baseMap)
	raw, err := json.Marshal(merged)
	if err != nil {
		return base
	}
	return raw
}

// deepMerge overlays src onto dst recursively. src wins on scalar conflicts,
// nested objects merge key by key. A JSON null counts as absent: it never
// overwrites a real value from either side and survives only when no real
// value exists for the key. dst is not mutated.
func deepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		if v == nil {
			continue
		}
		out[k] = v
	}
	for k, v := range src {
		if v == nil {
			if _, held := out[k]; !held {
				out[k] = nil
			}
			continue
		}
		srcMap, srcOK := v.(map[string]any)
		dstMap, dstOK := out[k].(map[string]any)
		if srcOK && dstOK {
			out[k] = deepMerge(dstMap, srcMap)
			continue
		}
		out[k] = v
	}
	return out
}
