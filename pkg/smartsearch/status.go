package smartsearch

import (
	"context"
	"sync"
)

// Phase is the coarse lifecycle state of the index.
type Phase string

const (
	PhaseUninitialized    Phase = "uninitialized"
	PhaseDownloadingModel Phase = "downloading_model"
	PhaseIndexing         Phase = "indexing"
	PhaseReady            Phase = "ready"
	PhaseError            Phase = "error"
)

// Status is the process-wide index state. Mutated only by the Engine and
// broadcast to subscribers on every change.
type Status struct {
	Phase              Phase   `json:"phase"`
	Total              int     `json:"total"`
	Indexed            int     `json:"indexed"`
	IsReady            bool    `json:"is_ready"`
	IsDownloadingModel bool    `json:"is_downloading_model"`
	DownloadProgress   float64 `json:"download_progress"`
	Error              string  `json:"error,omitempty"`
}

// StatusBroker fans status updates out to subscribers. Publishing never
// blocks: a subscriber that falls behind loses intermediate updates, which
// is harmless because every Status value is complete in itself.
type StatusBroker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Status
}

// NewStatusBroker creates an empty broker.
func NewStatusBroker() *StatusBroker {
	return &StatusBroker{subs: make(map[int]chan Status)}
}

// Subscribe registers a new subscriber. The channel is closed and the
// subscription removed when ctx is done.
func (b *StatusBroker) Subscribe(ctx context.Context) <-chan Status {
	ch := make(chan Status, 10)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}()

	return ch
}

// Publish delivers status to all current subscribers, dropping the update
// for any whose buffer is full.
func (b *StatusBroker) Publish(status Status) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- status:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *StatusBroker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
