package smartsearch

import (
	"context"
	"log"
	"time"

	"github.com/dimaginar/joplin-smart-search/pkg/joplin"
)

// Watcher polls the note database's modification time and fires a delta
// update after writes settle. Joplin writes through SQLite WAL, so a save
// shows up as a burst of mtime changes on the -wal sidecar; the quiet
// period coalesces the burst into one update.
type Watcher struct {
	dbPath   string
	interval time.Duration
	quiet    time.Duration

	// modTime is swappable in tests; defaults to joplin.ModTime.
	modTime func(string) (time.Time, bool)

	// onChange runs once per settled burst.
	onChange func(context.Context)
}

// NewWatcher creates a watcher that calls onChange after the database at
// dbPath has been stable for quiet. Non-positive durations get defaults of
// 10s polling and a 30s quiet period.
func NewWatcher(dbPath string, interval, quiet time.Duration, onChange func(context.Context)) *Watcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if quiet <= 0 {
		quiet = 30 * time.Second
	}
	return &Watcher{
		dbPath:   dbPath,
		interval: interval,
		quiet:    quiet,
		modTime:  joplin.ModTime,
		onChange: onChange,
	}
}

// Run polls until ctx is done. The first observation establishes the
// baseline and is never treated as a change.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var (
		baseline    time.Time
		initialized bool
		pending     bool
		lastChange  time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		mt, ok := w.modTime(w.dbPath)
		if !ok {
			continue
		}

		if !initialized {
			baseline = mt
			initialized = true
			continue
		}

		if !mt.Equal(baseline) {
			// Another write inside the quiet window restarts the clock.
			baseline = mt
			pending = true
			lastChange = time.Now()
			continue
		}

		if pending && time.Since(lastChange) >= w.quiet {
			pending = false
			log.Printf("[smartsearch] note database changed, running delta update")
			w.onChange(ctx)
		}
	}
}
