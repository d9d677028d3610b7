package pipeline

import (
	"sort"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/types"
)

// Resolution is the decided outcome for one conflict. RemoveIDs are
// superseded records the caller deletes; KeepID survives. ManualReview
// marks conflicts whose confidence fell below the auto-resolve threshold
// or whose strategy demands a human.
type Resolution struct {
	ConflictID   string                   `json:"conflict_id"`
	Kind         types.ConflictKind       `json:"kind"`
	Strategy     types.ResolutionStrategy `json:"strategy"`
	KeepID       string                   `json:"keep_id,omitempty"`
	RemoveIDs    []string                 `json:"remove_ids,omitempty"`
	ManualReview bool                     `json:"manual_review"`
}

// ResolutionReport is the audit trail of one resolution pass.
type ResolutionReport struct {
	Resolutions  []Resolution `json:"resolutions"`
	AutoResolved int          `json:"auto_resolved"`
	ManualReview int          `json:"manual_review"`
}

// Resolver applies the per-kind strategy table. A conflict is resolved
// automatically only when its confidence reaches the threshold; anything
// below is flagged for manual review and left untouched.
type Resolver struct {
	autoThreshold float32
}

// NewResolver creates a resolver with the configured auto-resolve gate.
func NewResolver(cfg config.PipelineConfig) *Resolver {
	return &Resolver{autoThreshold: cfg.AutoResolveThreshold}
}

// Resolve decides every conflict. records maps id to the involved record
// so strategies can compare timestamps and importance.
func (r *Resolver) Resolve(conflicts []types.Conflict, records map[string]*types.MemoryRecord) *ResolutionReport {
	report := &ResolutionReport{}

	for _, c := range conflicts {
		res := Resolution{ConflictID: c.ID, Kind: c.Kind}

		if c.Confidence < r.autoThreshold {
			res.Strategy = types.ResolveManualReview
			res.ManualReview = true
			report.Resolutions = append(report.Resolutions, res)
			report.ManualReview++
			continue
		}

		switch c.Kind {
		case types.ConflictDuplicate:
			res.Strategy = types.ResolveRemoveDuplicates
			res.KeepID, res.RemoveIDs = keepNewest(c.InvolvedMemoryIDs, records)

		case types.ConflictTemporal:
			res.Strategy = types.ResolveKeepLatest
			res.KeepID, res.RemoveIDs = keepLatestCreated(c.InvolvedMemoryIDs, records)

		case types.ConflictSemantic:
			if len(c.InvolvedMemoryIDs) == 2 {
				res.Strategy = types.ResolveKeepLatest
				res.KeepID, res.RemoveIDs = keepLatestCreated(c.InvolvedMemoryIDs, records)
			} else {
				res.Strategy = types.ResolveManualReview
				res.ManualReview = true
			}

		case types.ConflictEntity:
			// The merge itself happens in the graph index; nothing is removed.
			res.Strategy = types.ResolveMergeAttributes

		case types.ConflictRelation:
			res.Strategy = types.ResolveKeepHighestConfidence

		default:
			res.Strategy = types.ResolveManualReview
			res.ManualReview = true
		}

		report.Resolutions = append(report.Resolutions, res)
		if res.ManualReview {
			report.ManualReview++
		} else {
			report.AutoResolved++
		}
	}
	return report
}

// keepNewest keeps the newest record by created_at, ties broken by higher
// importance, then id for determinism.
func keepNewest(ids []string, records map[string]*types.MemoryRecord) (keep string, remove []string) {
	sorted := sortedByPreference(ids, records, func(a, b *types.MemoryRecord) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		if a.Importance != b.Importance {
			return a.Importance > b.Importance
		}
		return a.ID < b.ID
	})
	if len(sorted) == 0 {
		return "", nil
	}
	return sorted[0], sorted[1:]
}

// keepLatestCreated keeps the latest record by created_at, ties broken by
// id for determinism.
func keepLatestCreated(ids []string, records map[string]*types.MemoryRecord) (keep string, remove []string) {
	sorted := sortedByPreference(ids, records, func(a, b *types.MemoryRecord) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if len(sorted) == 0 {
		return "", nil
	}
	return sorted[0], sorted[1:]
}

func sortedByPreference(ids []string, records map[string]*types.MemoryRecord, less func(a, b *types.MemoryRecord) bool) []string {
	known := make([]*types.MemoryRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := records[id]; ok {
			known = append(known, rec)
		}
	}
	sort.Slice(known, func(i, j int) bool { return less(known[i], known[j]) })

	out := make([]string, 0, len(known))
	for _, rec := range known {
		out = append(out, rec.ID)
	}
	return out
}
