package behaviour

import (
	"hash/fnv"
	"sync"
	"time"
)

// seenFP is one fingerprint observation retained for the 24h instability
// window.
type seenFP struct {
	hash string
	at time.Time
}

// ipStability is the bounded, time-ordered set of distinct fingerprint
// hashes observed for one IP. Above StabilityCapacity entries, the
// least-recent is rotated out.
type ipStability struct {
	mu sync.Mutex
	entries []seenFP
	cap int
	window time.Duration
}

func (s *ipStability) record(now time.Time, fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpired(now)

	for _, e := range s.entries {
		if e.hash == fp {
			// Already seen within the window; touch nothing else, the
			// LRU-rotation budget is spent only on genuinely new values.
			return s.uniqueCountLocked() >= 3
		}
	}

	if len(s.entries) >= s.cap {
		// Rotate out the least-recent (oldest) entry.
		s.entries = s.entries[1:]
	}
	s.entries = append(s.entries, seenFP{hash: fp, at: now})

	return s.uniqueCountLocked() >= 3
}

func (s *ipStability) evictExpired(now time.Time) {
	cutoff := now.Add(-s.window)
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	s.entries = kept
}

func (s *ipStability) uniqueCountLocked() int {
	return len(s.entries)
}

func (s *ipStability) unstable(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpired(now)
	return len(s.entries) >= 3
}

// stabilityTracker shards the per-IP stability map across N independent
// shards to bound lock contention under many concurrent requests.
type stabilityTracker struct {
	cfg Config
	shards []*stabilityShard
}

type stabilityShard struct {
	mu sync.Mutex
	ips map[string]*ipStability
}

func newStabilityTracker(cfg Config) *stabilityTracker {
	t := &stabilityTracker{cfg: cfg}
	t.shards = make([]*stabilityShard, cfg.StabilityShards)
	for i := range t.shards {
		t.shards[i] = &stabilityShard{ips: make(map[string]*ipStability)}
	}
	return t
}

func (t *stabilityTracker) shardFor(ip string) *stabilityShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ip))
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

func (t *stabilityTracker) record(ip string, now time.Time, fp string) bool {
	shard := t.shardFor(ip)

	shard.mu.Lock()
	s, ok := shard.ips[ip]
	if !ok {
		s = &ipStability{cap: t.cfg.StabilityCapacity, window: t.cfg.StabilityWindow}
		shard.ips[ip] = s
	}
	shard.mu.Unlock()

	return s.record(now, fp)
}

func (t *stabilityTracker) unstable(ip string, now time.Time) bool {
	shard := t.shardFor(ip)

	shard.mu.Lock()
	s, ok := shard.ips[ip]
	shard.mu.Unlock()
	if !ok {
		return false
	}
	return s.unstable(now)
}
