// Package events replaces the signal/slot graph of the original
// controller-observes-service-observes-client wiring with plain
// message passing: every orchestrator owns a Bus and publishes typed
// Events to it; subscribers never hold a back-reference into the
// orchestrator or its protocol clients.
package events

import "sync"

// Kind identifies the shape of an Event's payload.
type Kind int

const (
	KindStateChange Kind = iota
	KindProgress
	KindCompletion
	KindLog
)

// State mirrors the per-vendor FSM states from spec.md §4.14. Not every
// orchestrator uses every value.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateScanning
	StateHandshaking
	StateSaharaMode
	StateFirehoseMode
	StateBromMode
	StatePreloaderMode
	StateDa1Loaded
	StateDa2Loaded
	StateFdl1Loaded
	StateFdl2Loaded
	StateConnected
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateScanning:
		return "Scanning"
	case StateHandshaking:
		return "Handshaking"
	case StateSaharaMode:
		return "SaharaMode"
	case StateFirehoseMode:
		return "FirehoseMode"
	case StateBromMode:
		return "BromMode"
	case StatePreloaderMode:
		return "PreloaderMode"
	case StateDa1Loaded:
		return "Da1Loaded"
	case StateDa2Loaded:
		return "Da2Loaded"
	case StateFdl1Loaded:
		return "Fdl1Loaded"
	case StateFdl2Loaded:
		return "Fdl2Loaded"
	case StateConnected:
		return "Connected"
	case StateReady:
		return "Ready"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Progress is (bytes_done, bytes_total) plus an optional label, exactly
// the shape spec.md §6 requires for exit signals to callers.
type Progress struct {
	Label     string
	BytesDone int64
	BytesTotal int64
}

// Completion reports the outcome of one orchestrator operation.
type Completion struct {
	Op      string
	Success bool
	Message string
}

// Event is the single message type flowing out of a Bus. Exactly one
// of the payload fields is populated, matching Kind.
type Event struct {
	Kind       Kind
	State      State
	Progress   Progress
	Completion Completion
	LogLine    string
}

// Bus is a broadcast channel: every Subscribe call gets its own
// buffered channel fed by Publish. Slow subscribers are dropped from
// a Publish rather than blocking the orchestrator — protocol execution
// must never wait on an observer.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of future events and a cancel func. The
// channel has a small buffer; if a subscriber falls behind, Publish
// drops events to it rather than blocking.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, 32)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish fans an Event out to every live subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *Bus) PublishState(s State) {
	b.Publish(Event{Kind: KindStateChange, State: s})
}

func (b *Bus) PublishProgress(label string, done, total int64) {
	b.Publish(Event{Kind: KindProgress, Progress: Progress{Label: label, BytesDone: done, BytesTotal: total}})
}

func (b *Bus) PublishCompletion(op string, success bool, message string) {
	b.Publish(Event{Kind: KindCompletion, Completion: Completion{Op: op, Success: success, Message: message}})
}

func (b *Bus) PublishLog(line string) {
	b.Publish(Event{Kind: KindLog, LogLine: line})
}
