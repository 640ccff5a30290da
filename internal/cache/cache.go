// Package cache implements the two-tier semantic redaction cache: an exact
// tier keyed by document hash, persisted to an embedded bbolt database, and
// a structure tier of in-memory, bounded buckets keyed by skeleton hash,
// mapped onto new documents via internal/templatemap.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"phi-redactor/internal/span"
	"phi-redactor/internal/structure"
	"phi-redactor/internal/templatemap"
)

// HitType classifies how a Lookup was satisfied.
type HitType int

const (
	Miss HitType = iota
	ExactHit
	StructureHit
)

// Config controls the cache's sizing and matching thresholds.
type Config struct {
	ExactFilePath          string
	MaxExact               int // unused directly; bbolt has no hard cap, retained for parity with spec's sizing knobs
	MaxStructureBuckets    int
	MaxBytes               int64
	TTL                    time.Duration
	MinStructureSimilarity float64
	HMACSalt               []byte
}

// DefaultConfig returns the cache's own defaults for a standalone cache.
// They are not internal/config's defaults, which use a different bucket
// count, byte cap and minimum similarity.
func DefaultConfig(path string) Config {
	return Config{
		ExactFilePath:          path,
		MaxExact:               10000,
		MaxStructureBuckets:    1000,
		MaxBytes:               500 * 1024 * 1024,
		TTL:                    24 * time.Hour,
		MinStructureSimilarity: 0.8,
		HMACSalt:               []byte("phi-redactor-cache-salt"),
	}
}

// Entry is one cache record: a cacheable redaction result plus LRU/TTL
// bookkeeping.
type Entry struct {
	Result         templatemap.CachedResult
	Timestamp      time.Time
	LastAccess     time.Time
	AccessCount    int
	MemoryEstimate int
}

type policyKey struct {
	tier string // "exact" or "structure"
	key  string
}

// Cache is the semantic redaction cache.
type Cache struct {
	cfg       Config
	exact     *exactStore
	structure *structureTier

	policyMu    sync.Mutex
	policyIndex map[string]map[policyKey]struct{}

	totalBytes atomic.Int64

	validatedCorrect atomic.Int64
	validatedTotal   atomic.Int64
}

// New opens the cache's on-disk exact tier at cfg.ExactFilePath and
// initializes the in-memory structure tier.
func New(cfg Config) (*Cache, error) {
	store, err := newExactStore(cfg.ExactFilePath, cfg.HMACSalt)
	if err != nil {
		return nil, err
	}
	if cfg.MinStructureSimilarity == 0 {
		cfg.MinStructureSimilarity = 0.8
	}
	if cfg.MaxStructureBuckets == 0 {
		cfg.MaxStructureBuckets = 1000
	}
	return &Cache{
		cfg:         cfg,
		exact:       store,
		structure:   newStructureTier(cfg.MaxStructureBuckets),
		policyIndex: make(map[string]map[policyKey]struct{}),
	}, nil
}

// Close releases the exact tier's file handle.
func (c *Cache) Close() error {
	return c.exact.close()
}

func documentHash(document string) string {
	sum := sha256.Sum256([]byte(document))
	return hex.EncodeToString(sum[:])
}

func exactKey(docHash, policyHash string) string {
	return docHash + "|" + policyHash
}

func structureKey(structureHash, policyHash string) string {
	return structureHash + "|" + policyHash
}

// LookupResult is the outcome of a cache probe.
type LookupResult struct {
	HitType    HitType
	Spans      []span.Span
	Confidence float64
	Similarity float64
}

// Lookup probes the exact tier first, then the structure tier, per spec
// §4.J: an exact hit reconstructs spans at confidence 1.0 with no mapping
// step (the document is byte-identical, so its structure and field offsets
// are unchanged); a structure hit tries the bucket's highest-hitCount
// candidate first, then falls back to a policy-wide linear scan over every
// resident bucket for the best similarity >= MinStructureSimilarity.
// Unreliable mappings are treated as a miss.
func (c *Cache) Lookup(document, policyHash string) LookupResult {
	docHash := documentHash(document)
	newStructure := structure.Extract(document)

	if entry, ok := c.exact.get(exactKey(docHash, policyHash)); ok {
		fields := entry.Result.Structure.Fields
		spans := make([]span.Span, 0, len(entry.Result.Spans))
		for _, cs := range entry.Result.Spans {
			start := cs.OffsetFromFieldStart
			if cs.FieldIndex >= 0 && cs.FieldIndex < len(fields) {
				start += fields[cs.FieldIndex].ValueStart
			}
			s, err := span.New(document, start, start+cs.Length, cs.FilterType, cs.Confidence, cs.Priority, cs.Pattern)
			if err != nil {
				break
			}
			spans = append(spans, s)
		}
		if len(spans) == len(entry.Result.Spans) {
			return LookupResult{HitType: ExactHit, Spans: spans, Confidence: 1.0, Similarity: 1.0}
		}
	}

	bucketKey := structureKey(newStructure.Hash, policyHash)

	if bucket, ok := c.structure.get(bucketKey); ok && len(bucket) > 0 {
		best := bestByHitCount(bucket)
		res := templatemap.Map(document, newStructure, best.Result)
		if res.Reliable {
			return LookupResult{HitType: StructureHit, Spans: res.Spans, Confidence: res.Similarity, Similarity: res.Similarity}
		}
	}

	if res, ok := c.scanForBestMatch(document, newStructure, policyHash); ok {
		return res
	}

	return LookupResult{HitType: Miss}
}

func bestByHitCount(bucket []Entry) Entry {
	best := bucket[0]
	for _, e := range bucket[1:] {
		if e.AccessCount > best.AccessCount {
			best = e
		}
	}
	return best
}

// scanForBestMatch linear-scans every resident structure-tier bucket whose
// entries share policyHash, picking the best structural similarity match
// at or above MinStructureSimilarity.
func (c *Cache) scanForBestMatch(document string, newStructure structure.DocumentStructure, policyHash string) (LookupResult, bool) {
	var bestEntry Entry
	bestSimilarity := 0.0
	found := false

	for _, key := range c.structure.all() {
		bucket, ok := c.structure.get(key)
		if !ok {
			continue
		}
		for _, e := range bucket {
			if e.Result.PolicyHash != policyHash {
				continue
			}
			sim := structure.Similarity(e.Result.Structure, newStructure)
			if sim >= c.cfg.MinStructureSimilarity && sim > bestSimilarity {
				bestSimilarity = sim
				bestEntry = e
				found = true
			}
		}
	}
	if !found {
		return LookupResult{}, false
	}

	res := templatemap.Map(document, newStructure, bestEntry.Result)
	if !res.Reliable {
		return LookupResult{}, false
	}
	return LookupResult{HitType: StructureHit, Spans: res.Spans, Confidence: res.Similarity, Similarity: res.Similarity}, true
}

// Store converts spans into the cache's re-mappable form and inserts the
// result into both tiers, updating the reverse policy index for O(1)
// invalidation.
func (c *Cache) Store(document string, spans []span.Span, policyHash string) error {
	now := time.Now()
	docHash := documentHash(document)
	st := structure.Extract(document)
	cachedSpans := templatemap.ToCachedSpans(spans, st)

	result := templatemap.CachedResult{Structure: st, Spans: cachedSpans, PolicyHash: policyHash}
	entry := Entry{
		Result:         result,
		Timestamp:      now,
		LastAccess:     now,
		AccessCount:    0,
		MemoryEstimate: estimateBytes(result),
	}

	ek := exactKey(docHash, policyHash)
	if err := c.exact.put(ek, entry); err != nil {
		return err
	}
	c.recordPolicyKey(policyHash, "exact", ek)

	sk := structureKey(st.Hash, policyHash)
	c.structure.append(sk, entry)
	c.recordPolicyKey(policyHash, "structure", sk)

	c.totalBytes.Add(int64(entry.MemoryEstimate))
	return nil
}

func (c *Cache) recordPolicyKey(policyHash, tier, key string) {
	c.policyMu.Lock()
	defer c.policyMu.Unlock()
	set, ok := c.policyIndex[policyHash]
	if !ok {
		set = make(map[policyKey]struct{})
		c.policyIndex[policyHash] = set
	}
	set[policyKey{tier: tier, key: key}] = struct{}{}
}

// InvalidatePolicy drops every cache key recorded under policyHash, in
// both tiers, via the reverse policy index.
func (c *Cache) InvalidatePolicy(policyHash string) {
	c.policyMu.Lock()
	keys := c.policyIndex[policyHash]
	delete(c.policyIndex, policyHash)
	c.policyMu.Unlock()

	for pk := range keys {
		switch pk.tier {
		case "exact":
			c.exact.delete(pk.key)
		case "structure":
			c.structure.delete(pk.key)
		}
	}
}

// Prewarm extracts structure for each pre-labeled document and seeds the
// structure tier with an empty-span entry, so the field-index mapping
// machinery has a resident skeleton to match against before any live
// redaction has produced real spans for that document shape. It returns
// the number of documents successfully structured and stored.
func (c *Cache) Prewarm(docs []string, policyHash string) int {
	successes := 0
	for _, doc := range docs {
		st := structure.Extract(doc)
		if st.DocumentType == structure.Unknown && len(st.Fields) == 0 {
			continue
		}
		now := time.Now()
		result := templatemap.CachedResult{Structure: st, PolicyHash: policyHash}
		entry := Entry{Result: result, Timestamp: now, LastAccess: now, MemoryEstimate: estimateBytes(result)}
		sk := structureKey(st.Hash, policyHash)
		c.structure.append(sk, entry)
		c.recordPolicyKey(policyHash, "structure", sk)
		successes++
	}
	return successes
}

// RecordHitValidation folds one post-hoc correctness observation (a human
// or downstream check confirming whether a cache-served redaction matched
// what a fresh detection pass would have produced) into running precision
// counters.
func (c *Cache) RecordHitValidation(wasCorrect bool) {
	c.validatedTotal.Add(1)
	if wasCorrect {
		c.validatedCorrect.Add(1)
	}
}

// Precision returns the fraction of validated cache hits confirmed
// correct, or 1.0 if none have been validated yet.
func (c *Cache) Precision() float64 {
	total := c.validatedTotal.Load()
	if total == 0 {
		return 1.0
	}
	return float64(c.validatedCorrect.Load()) / float64(total)
}

// TotalMemoryEstimate returns the running sum of MemoryEstimate across
// every Store call (not reduced on eviction; a coarse upper bound used for
// the "share a memory budget" sizing check, not an exact live total).
func (c *Cache) TotalMemoryEstimate() int64 {
	return c.totalBytes.Load()
}
