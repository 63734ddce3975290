// Package eventlog holds the append-only log of serialized correlation
// events for one interception session and streams it to readers.
package eventlog

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// DefaultPollInterval is how often an idle stream checks for new entries.
const DefaultPollInterval = 500 * time.Millisecond

// Log is an append-only sequence of serialized events. Entries are never
// modified once appended. Clear starts a new generation; readers that see
// the generation change restart at index 0.
type Log struct {
	mu      sync.RWMutex
	entries [][]byte
	gen     uint64
}

// New returns an empty log.
func New() *Log {
	return &Log{}
}

// Append adds an entry and returns its index.
func (l *Log) Append(entry []byte) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return len(l.entries) - 1
}

// Len returns the number of entries in the current generation.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Generation identifies the current contents. It changes on every Clear.
func (l *Log) Generation() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.gen
}

// Since returns the entries from index from onwards together with the
// generation they belong to. The returned slice is shared and must not be
// modified.
func (l *Log) Since(from int) ([][]byte, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from < 0 {
		from = 0
	}
	if from >= len(l.entries) {
		return nil, l.gen
	}
	return l.entries[from:len(l.entries):len(l.entries)], l.gen
}

// Clear drops every entry and starts a new generation.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	l.gen++
}

// Stream yields (index, entry) pairs starting at index from, in order, and
// keeps polling for new entries every interval until ctx is done or the
// consumer stops. Reading never mutates the log.
func (l *Log) Stream(ctx context.Context, from int, interval time.Duration) iter.Seq2[int, []byte] {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return func(yield func(int, []byte) bool) {
		next := from
		gen := l.Generation()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			batch, g := l.Since(next)
			if g != gen {
				// Cleared underneath us: start over in the new generation.
				gen, next = g, 0
				continue
			}
			for _, entry := range batch {
				if l.Generation() != gen {
					// The rest of the batch belongs to a cleared generation.
					break
				}
				if !yield(next, entry) {
					return
				}
				next++
			}
			if len(batch) > 0 {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}

// Handler serves the log as server-sent events. Each entry is sent as
//
//	id: <index>
//	data: <entry>
//
// A reconnecting client resumes after its Last-Event-ID; a "from" query
// parameter picks the starting index explicitly.
func Handler(l *Log, interval time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		from := 0
		if id, err := strconv.Atoi(r.Header.Get("Last-Event-ID")); err == nil {
			from = id + 1
		}
		if v := r.URL.Query().Get("from"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				http.Error(w, "invalid from index", http.StatusBadRequest)
				return
			}
			from = n
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for i, entry := range l.Stream(r.Context(), from, interval) {
			if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", i, entry); err != nil {
				return
			}
			flusher.Flush()
		}
	})
}
