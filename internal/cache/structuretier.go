package cache

import (
	"container/list"
	"sync"
	"time"
)

// maxBucketEntries caps how many CachedRedactionResult variants a single
// structureHash|policyHash bucket may hold; the oldest in the bucket is
// dropped on overflow, independent of the tier-wide S3-FIFO eviction below.
const maxBucketEntries = 10

// structureTier holds the bounded-bucket structure cache in memory, with
// S3-FIFO eviction over which bucket *keys* stay resident once the tier is
// full. This is the teacher's S3-FIFO eviction algorithm (S/M FIFO queues
// plus a bounded ghost set) repurposed to bound the number of resident
// structure-hash buckets instead of wrapping a bbolt-backed value cache.
type structureTier struct {
	mu sync.Mutex

	capacity int
	sTarget  int
	ghostCap int

	buckets map[string][]Entry
	entries map[string]*s3fifoEntry

	sQueue *list.List
	mQueue *list.List

	ghostBuf   []string
	ghostSet   map[string]struct{}
	ghostHead  int
	ghostCount int
}

type s3fifoEntry struct {
	freq uint8
	elem *list.Element
	inM  bool
}

func newStructureTier(capacity int) *structureTier {
	if capacity < 2 {
		capacity = 2
	}
	sTarget := capacity / 10
	if sTarget < 1 {
		sTarget = 1
	}
	ghostCap := 2 * sTarget
	if ghostCap < 4 {
		ghostCap = 4
	}
	return &structureTier{
		capacity: capacity,
		sTarget:  sTarget,
		ghostCap: ghostCap,
		buckets:  make(map[string][]Entry, capacity),
		entries:  make(map[string]*s3fifoEntry, capacity),
		sQueue:   list.New(),
		mQueue:   list.New(),
		ghostBuf: make([]string, ghostCap),
		ghostSet: make(map[string]struct{}, ghostCap),
	}
}

// get returns the bucket for key, bumping its frequency counter and each
// resident entry's AccessCount on hit, so bestByHitCount has real usage
// data to rank candidates by.
func (t *structureTier) get(key string) ([]Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return nil, false
	}
	if e.freq < 3 {
		e.freq++
	}
	bucket := t.buckets[key]
	now := time.Now()
	for i := range bucket {
		bucket[i].AccessCount++
		bucket[i].LastAccess = now
	}
	t.buckets[key] = bucket
	return bucket, true
}

// all returns every resident bucket key, for policy-wide linear scans.
func (t *structureTier) all() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.buckets))
	for k := range t.buckets {
		keys = append(keys, k)
	}
	return keys
}

// append inserts entry into key's bucket (creating the key's residency if
// new), capping the bucket at maxBucketEntries by dropping the oldest.
func (t *structureTier) append(key string, entry Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[key]; !ok {
		t.insertKeyLocked(key)
	}
	bucket := t.buckets[key]
	bucket = append(bucket, entry)
	if len(bucket) > maxBucketEntries {
		bucket = bucket[len(bucket)-maxBucketEntries:]
	}
	t.buckets[key] = bucket
}

func (t *structureTier) delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeKeyLocked(key)
}

func (t *structureTier) insertKeyLocked(key string) {
	inM := t.ghostContains(key)
	var elem *list.Element
	if inM {
		elem = t.mQueue.PushBack(key)
	} else {
		elem = t.sQueue.PushBack(key)
	}
	t.entries[key] = &s3fifoEntry{freq: 0, elem: elem, inM: inM}
	t.buckets[key] = nil

	for t.sQueue.Len()+t.mQueue.Len() > t.capacity {
		t.evictOneLocked()
	}
}

func (t *structureTier) evictOneLocked() {
	if t.sQueue.Len() > 0 {
		t.evictFromSLocked()
		return
	}
	t.evictFromMLocked()
}

func (t *structureTier) evictFromSLocked() {
	front := t.sQueue.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	t.sQueue.Remove(front)

	e, ok := t.entries[key]
	if !ok {
		return
	}
	if e.freq > 0 {
		e.freq = 0
		e.inM = true
		e.elem = t.mQueue.PushBack(key)
		mTarget := t.capacity - t.sTarget
		if t.mQueue.Len() > mTarget {
			t.evictFromMLocked()
		}
	} else {
		delete(t.entries, key)
		delete(t.buckets, key)
		t.ghostAdd(key)
	}
}

func (t *structureTier) evictFromMLocked() {
	front := t.mQueue.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	t.mQueue.Remove(front)
	delete(t.entries, key)
	delete(t.buckets, key)
}

func (t *structureTier) removeKeyLocked(key string) {
	e, ok := t.entries[key]
	if !ok {
		return
	}
	if e.inM {
		t.mQueue.Remove(e.elem)
	} else {
		t.sQueue.Remove(e.elem)
	}
	delete(t.entries, key)
	delete(t.buckets, key)
}

func (t *structureTier) ghostContains(key string) bool {
	_, ok := t.ghostSet[key]
	return ok
}

func (t *structureTier) ghostAdd(key string) {
	if _, exists := t.ghostSet[key]; exists {
		return
	}
	if t.ghostCount == t.ghostCap {
		oldest := t.ghostBuf[t.ghostHead]
		delete(t.ghostSet, oldest)
		t.ghostHead = (t.ghostHead + 1) % t.ghostCap
		t.ghostCount--
	}
	writeIdx := (t.ghostHead + t.ghostCount) % t.ghostCap
	t.ghostBuf[writeIdx] = key
	t.ghostSet[key] = struct{}{}
	t.ghostCount++
}
