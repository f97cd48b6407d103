package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// QueryMetrics is the telemetry captured for one statement execution
type QueryMetrics struct {
	Fingerprint  string        `json:"fingerprint" yaml:"fingerprint"`
	Duration     time.Duration `json:"duration" yaml:"duration"`
	RowsAffected int64         `json:"rows_affected" yaml:"rows_affected"`
	Timestamp    time.Time     `json:"timestamp" yaml:"timestamp"`
	Success      bool          `json:"success" yaml:"success"`
	Error        string        `json:"error,omitempty" yaml:"error,omitempty"`
	Mode         string        `json:"mode" yaml:"mode"`
	CacheHit     bool          `json:"cache_hit" yaml:"cache_hit"`
	Retried      bool          `json:"retried,omitempty" yaml:"retried,omitempty"`
}

// fingerprintKey hashes statement text. It identifies a statement in metrics
// and keys the result cache; parameters are never part of it.
func fingerprintKey(statement string) uint64 {
	return xxhash.Sum64String(statement)
}

// Fingerprint returns the hex fingerprint recorded for a statement
func Fingerprint(statement string) string {
	return formatFingerprint(fingerprintKey(statement))
}

func formatFingerprint(key uint64) string {
	return fmt.Sprintf("%016x", key)
}

// metricsRing keeps the most recent records; the oldest is overwritten when full
type metricsRing struct {
	mu    sync.Mutex
	buf   []QueryMetrics
	next  int
	count int
}

func newMetricsRing(size int) *metricsRing {
	if size < 1 {
		size = 1
	}
	return &metricsRing{buf: make([]QueryMetrics, size)}
}

func (r *metricsRing) record(m QueryMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = m
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// snapshot returns a copy of the records, oldest first
func (r *metricsRing) snapshot() []QueryMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]QueryMetrics, 0, r.count)
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

func (r *metricsRing) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
