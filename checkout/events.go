package checkout

import "strconv"

const (
	// EventTypeStarted is emitted when a checkout leaves Idle.
	EventTypeStarted = "checkout.started"
	// EventTypeStateChanged is emitted on every state transition.
	EventTypeStateChanged = "checkout.state"
	// EventTypeCompleted is emitted when a checkout reaches Success.
	EventTypeCompleted = "checkout.completed"
	// EventTypeFailed is emitted when a checkout reaches Failed.
	EventTypeFailed = "checkout.failed"
)

// Event is the structured payload surfaced to observability sinks.
type Event interface {
	EventType() string
	Attributes() map[string]string
}

// Emitter receives checkout lifecycle events.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter drops every event.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}

type startedEvent struct {
	buyer     string
	productID uint64
	sessionID string
}

func (startedEvent) EventType() string { return EventTypeStarted }

func (e startedEvent) Attributes() map[string]string {
	return map[string]string{
		"buyer":     e.buyer,
		"productId": strconv.FormatUint(e.productID, 10),
		"sessionId": e.sessionID,
	}
}

type stateChangedEvent struct {
	buyer     string
	productID uint64
	state     State
}

func (stateChangedEvent) EventType() string { return EventTypeStateChanged }

func (e stateChangedEvent) Attributes() map[string]string {
	return map[string]string{
		"buyer":     e.buyer,
		"productId": strconv.FormatUint(e.productID, 10),
		"state":     string(e.state),
	}
}

type completedEvent struct {
	buyer      string
	productID  uint64
	finalPrice string
	txHash     string
	simulated  bool
}

func (completedEvent) EventType() string { return EventTypeCompleted }

func (e completedEvent) Attributes() map[string]string {
	return map[string]string{
		"buyer":      e.buyer,
		"productId":  strconv.FormatUint(e.productID, 10),
		"finalPrice": e.finalPrice,
		"txHash":     e.txHash,
		"simulated":  strconv.FormatBool(e.simulated),
	}
}

type failedEvent struct {
	buyer     string
	productID uint64
	kind      FailureKind
	message   string
}

func (failedEvent) EventType() string { return EventTypeFailed }

func (e failedEvent) Attributes() map[string]string {
	return map[string]string{
		"buyer":     e.buyer,
		"productId": strconv.FormatUint(e.productID, 10),
		"kind":      string(e.kind),
		"message":   e.message,
	}
}
