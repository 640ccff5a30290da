package cache

import "phi-redactor/internal/templatemap"

// estimateBytes implements the target (not exact) memory-cost formula:
// 2*len(skeleton) + len(hash) + 100*|fields| + sum(2*len(originalText) +
// 2*len(pattern) + 50) across the entry's spans.
func estimateBytes(r templatemap.CachedResult) int {
	total := 2*len(r.Structure.Skeleton) + len(r.Structure.Hash) + 100*len(r.Structure.Fields)
	for _, s := range r.Spans {
		total += 2*len(s.OriginalText) + 2*len(s.Pattern) + 50
	}
	return total
}
