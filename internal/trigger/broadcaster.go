// Package trigger owns the event-driven side of synchronization: it turns
// local mutations into background reconciliation passes and fans the
// outcomes out to every connected real-time listener.
package trigger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/taskrelay/internal/reconcile"
)

// Inbound message kinds accepted from listeners.
const (
	MessageStartAutoSync = "START_AUTO_SYNC"
	MessageStopAutoSync  = "STOP_AUTO_SYNC"
	MessageForceSync     = "FORCE_SYNC"
)

// Outbound event kinds.
const (
	EventConnected         = "connected"
	EventAutoSyncCompleted = "AUTO_SYNC_COMPLETED"
	EventAutoSyncError     = "AUTO_SYNC_ERROR"
	EventAutoSyncStopped   = "AUTO_SYNC_STOPPED"
	EventForceSyncDone     = "FORCE_SYNC_COMPLETED"
	EventForceSyncError    = "FORCE_SYNC_ERROR"
	EventError             = "error"
)

// Summary condenses a pass outcome for listeners.
type Summary struct {
	Total             int `json:"total"`
	CreatedOrUploaded int `json:"createdOrUploaded"`
	Errors            int `json:"errors"`
}

type Event struct {
	Type      string   `json:"type"`
	Timestamp string   `json:"timestamp"`
	Summary   *Summary `json:"summary,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// Listener is one connected duplex client. Send must be safe to call from
// the broadcaster's goroutines.
type Listener interface {
	Send(event Event) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Reconciler *reconcile.Reconciler
	Logger     Logger
	// Enabled gates the whole trigger: until it reports true (a remote
	// credential is available), OnLocalChange silently does nothing.
	// A nil Enabled means always on.
	Enabled func() bool
}

// Broadcaster is constructed once by the composition root and handed to the
// mutation handlers and the connection-accept loop. The reconciler itself
// admits one pass at a time; the broadcaster's job is coalescing triggers
// that arrive while a pass is running into at most one pending rerun.
type Broadcaster struct {
	reconciler *reconcile.Reconciler
	logger     Logger
	enabled    func() bool

	mu          sync.Mutex
	listeners   map[Listener]struct{}
	running     bool
	pending     bool
	forcePasses int
}

func NewBroadcaster(opts Options) *Broadcaster {
	return &Broadcaster{
		reconciler: opts.Reconciler,
		logger:     opts.Logger,
		enabled:    opts.Enabled,
		listeners:  map[Listener]struct{}{},
	}
}

// RegisterListener adds a connection and acknowledges it directly.
func (b *Broadcaster) RegisterListener(l Listener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	b.listeners[l] = struct{}{}
	b.mu.Unlock()
	b.sendTo(l, Event{Type: EventConnected, Timestamp: timestamp()})
}

func (b *Broadcaster) UnregisterListener(l Listener) {
	b.mu.Lock()
	delete(b.listeners, l)
	b.mu.Unlock()
}

// ListenerCount reports how many listeners are currently connected.
func (b *Broadcaster) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Running reports whether a reconciliation pass, auto or forced, is
// currently in flight.
func (b *Broadcaster) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running || b.forcePasses > 0
}

// OnLocalChange is called by every mutation handler after its store write
// commits. With no listeners connected it is a no-op; otherwise it schedules
// a background push-then-pull pass without blocking the caller.
func (b *Broadcaster) OnLocalChange() {
	if !b.isEnabled() {
		return
	}
	b.mu.Lock()
	if len(b.listeners) == 0 {
		b.mu.Unlock()
		return
	}
	if b.running {
		// Coalesce: one extra pass will run after the current one; further
		// triggers while that rerun is queued are dropped.
		b.pending = true
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()
	go b.runAutoSync()
}

// HandleMessage processes one inbound text message from a listener. Unknown
// kinds get an error event back; nothing here ever drops the connection.
func (b *Broadcaster) HandleMessage(l Listener, message string) {
	switch strings.TrimSpace(message) {
	case MessageStartAutoSync:
		// Auto-sync is always armed; the trigger remains OnLocalChange.
	case MessageStopAutoSync:
		b.broadcast(Event{Type: EventAutoSyncStopped, Timestamp: timestamp()})
	case MessageForceSync:
		go b.runForceSync()
	default:
		b.sendTo(l, Event{
			Type:      EventError,
			Timestamp: timestamp(),
			Message:   "unknown message: " + strings.TrimSpace(message),
		})
	}
}

func (b *Broadcaster) runAutoSync() {
	for {
		outcome, err := b.reconciler.Reconcile(context.Background(), reconcile.DirectionBidirectional, reconcile.KindsAll)

		if err != nil {
			b.broadcast(Event{Type: EventAutoSyncError, Timestamp: timestamp(), Message: err.Error()})
		} else {
			b.broadcast(Event{
				Type:      EventAutoSyncCompleted,
				Timestamp: timestamp(),
				Summary:   summarize(outcome),
			})
		}

		b.mu.Lock()
		if b.pending {
			b.pending = false
			b.mu.Unlock()
			continue
		}
		b.running = false
		b.mu.Unlock()
		return
	}
}

func (b *Broadcaster) runForceSync() {
	b.mu.Lock()
	b.forcePasses++
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.forcePasses--
		b.mu.Unlock()
	}()

	results, err := b.reconciler.Push(context.Background())

	if err != nil {
		b.broadcast(Event{Type: EventForceSyncError, Timestamp: timestamp(), Message: err.Error()})
		return
	}
	outcome := reconcile.Outcome{Direction: reconcile.DirectionToRemote, Results: []reconcile.SyncResult{}}
	outcome.Add(results)
	b.broadcast(Event{
		Type:      EventForceSyncDone,
		Timestamp: timestamp(),
		Summary:   summarize(outcome),
	})
}

func (b *Broadcaster) broadcast(event Event) {
	b.mu.Lock()
	targets := make([]Listener, 0, len(b.listeners))
	for l := range b.listeners {
		targets = append(targets, l)
	}
	b.mu.Unlock()
	for _, l := range targets {
		b.sendTo(l, event)
	}
}

func (b *Broadcaster) sendTo(l Listener, event Event) {
	if err := l.Send(event); err != nil {
		b.logf("failed to send %s event to listener: %v", event.Type, err)
	}
}

func (b *Broadcaster) isEnabled() bool {
	if b.enabled == nil {
		return true
	}
	return b.enabled()
}

func (b *Broadcaster) logf(format string, args ...any) {
	if b.logger == nil {
		return
	}
	b.logger.Printf(format, args...)
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func summarize(outcome reconcile.Outcome) *Summary {
	return &Summary{
		Total:             outcome.Total,
		CreatedOrUploaded: outcome.Created,
		Errors:            outcome.Errors,
	}
}

