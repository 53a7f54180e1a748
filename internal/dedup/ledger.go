// Package dedup tracks which media IDs have already been processed so
// repeated runs skip completed work.
package dedup

import (
	"bytes"
	"context"
	"encoding/gob"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/berridl/berridl/internal/models"
	"github.com/berridl/berridl/internal/observability"
)

// flushInterval is how often the background writer persists pending IDs.
const flushInterval = 5 * time.Second

// Category selects the per-type skip toggle.
type Category string

const (
	CategoryVideo  Category = "video"
	CategoryImage  Category = "image"
	CategoryPost   Category = "post"
	CategoryNotice Category = "notice"
)

// CategoryOf maps a media type to its dedup category.
func CategoryOf(t models.MediaType) Category {
	switch t {
	case models.MediaTypePhoto:
		return CategoryImage
	case models.MediaTypePost:
		return CategoryPost
	case models.MediaTypeNotice:
		return CategoryNotice
	default:
		return CategoryVideo
	}
}

// Policy holds the per-category skip toggles.
type Policy struct {
	Default   bool
	Overrides map[Category]bool
}

// Enabled reports whether dedup applies to the category.
func (p Policy) Enabled(c Category) bool {
	if v, ok := p.Overrides[c]; ok {
		return v
	}
	return p.Default
}

// Ledger is the persistent set of processed IDs. Adds go through a queue
// drained by a background writer that flushes periodically; reads take the
// lock directly.
type Ledger struct {
	path   string
	policy Policy
	log    *slog.Logger

	mu    sync.RWMutex
	seen  map[string]bool
	dirty bool

	adds chan string
	done chan struct{}
	wg   sync.WaitGroup
}

// Open loads the ledger from path, creating an empty one when the file is
// missing, and starts the background writer.
func Open(path string, policy Policy, log *slog.Logger) (*Ledger, error) {
	l := &Ledger{
		path:   path,
		policy: policy,
		log:    observability.WithComponent(log, "dedup"),
		seen:   make(map[string]bool),
		adds:   make(chan string, 256),
		done:   make(chan struct{}),
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// First run.
	case err != nil:
		return nil, err
	default:
		var ids []string
		if derr := gob.NewDecoder(bytes.NewReader(data)).Decode(&ids); derr != nil {
			l.log.Warn("ledger is unreadable, starting fresh",
				slog.String("path", path),
				slog.String("error", derr.Error()))
		} else {
			for _, id := range ids {
				l.seen[id] = true
			}
		}
	}

	l.wg.Add(1)
	go l.writer()
	return l, nil
}

// Exists reports whether the ID was already processed. Categories with
// dedup disabled always report false.
func (l *Ledger) Exists(id string, c Category) bool {
	if !l.policy.Enabled(c) {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seen[id]
}

// Add queues an ID for persistence. The ID is visible to Exists as soon as
// the writer drains it, which the periodic flush bounds.
func (l *Ledger) Add(id string) {
	select {
	case l.adds <- id:
	case <-l.done:
	}
}

// Flush persists any pending state immediately.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

// Close stops the writer and flushes. Safe to call once.
func (l *Ledger) Close(ctx context.Context) error {
	close(l.done)

	waited := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}
	return l.Flush()
}

// writer drains the add queue and flushes on a timer.
func (l *Ledger) writer() {
	defer l.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case id := <-l.adds:
			l.mu.Lock()
			if !l.seen[id] {
				l.seen[id] = true
				l.dirty = true
			}
			l.mu.Unlock()
		case <-ticker.C:
			l.mu.Lock()
			if l.dirty {
				if err := l.flushLocked(); err != nil {
					l.log.Warn("periodic ledger flush failed", slog.String("error", err.Error()))
				}
			}
			l.mu.Unlock()
		case <-l.done:
			// Drain whatever is still queued before the final flush.
			for {
				select {
				case id := <-l.adds:
					l.mu.Lock()
					if !l.seen[id] {
						l.seen[id] = true
						l.dirty = true
					}
					l.mu.Unlock()
				default:
					return
				}
			}
		}
	}
}

// flushLocked writes the ID set atomically. Caller holds mu.
func (l *Ledger) flushLocked() error {
	ids := make([]string, 0, len(l.seen))
	for id := range l.seen {
		ids = append(ids, id)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ids); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	if err := renameio.WriteFile(l.path, buf.Bytes(), 0o644); err != nil {
		return err
	}
	l.dirty = false
	return nil
}
