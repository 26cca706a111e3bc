// Package bus is the extension host's in-process hierarchical
// publish/subscribe core. Event names are entity.action[.state];
// publishers may attach a marker for subscriber-side filtering and a
// result sink for a single-use request/response round trip. Close is
// idempotent, and publishes after Close drop silently.
package bus

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/corvidlabs/pixolith/pkg/hostkit"
)

// Payload is the opaque body carried by an event.
type Payload any

// Handler receives a delivered event. marker is the publisher-supplied
// marker, or "" if none was attached.
type Handler func(marker string, payload Payload)

// OffFunc cancels a subscription. Calling it more than once is a no-op.
type OffFunc func()

type subscription struct {
	id      uint64
	handler Handler
}

// Event is the full view of a publish as seen by a SubscribeAll
// subscriber: the gateway needs the name to route, the marker to filter,
// and the callback id (when a resultSink was attached) to Reply with the
// acknowledged value.
type Event struct {
	Name       hostkit.EventName
	Marker     string
	Payload    Payload
	CallbackID string
}

type allSubscription struct {
	id      uint64
	handler func(Event)
}

// Bus is a hierarchical event bus.
type Bus struct {
	mu     sync.RWMutex
	closed bool

	nextSubID uint64
	// subs maps an exact event name to its ordered subscriber list.
	subs map[hostkit.EventName][]subscription
	// allSubs receive every published event regardless of name.
	allSubs []allSubscription
}

// New creates an empty, open Bus.
func New() *Bus {
	return &Bus{subs: make(map[hostkit.EventName][]subscription)}
}

// Subscribe registers handler for the exact event name and returns an
// Off handle that cancels it.
func (b *Bus) Subscribe(name hostkit.EventName, handler Handler) (OffFunc, error) {
	if !name.Valid() {
		return nil, fmt.Errorf("bus: invalid event name %q", name)
	}
	return b.subscribe(name, handler), nil
}

// subscribe registers handler without vocabulary validation, used
// internally for return|<callbackId> names which fall outside the
// closed entity.action[.state] shape.
func (b *Bus) subscribe(name hostkit.EventName, handler Handler) OffFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	b.nextSubID++
	id := b.nextSubID
	b.subs[name] = append(b.subs[name], subscription{id: id, handler: handler})

	return func() { b.unsubscribe(name, id) }
}

// SubscribeAll registers handler for every event published on the bus,
// independent of name. The socket gateway is the intended subscriber: it
// routes each event to eligible sockets itself, so it cannot
// enumerate names up front. Return-name deliveries (return|<callbackId>)
// are not fanned out here; they are point-to-point responses.
func (b *Bus) SubscribeAll(handler func(Event)) OffFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	b.nextSubID++
	id := b.nextSubID
	b.allSubs = append(b.allSubs, allSubscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.allSubs {
			if s.id == id {
				b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
				break
			}
		}
	}
}

func (b *Bus) unsubscribe(name hostkit.EventName, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[name]
	for i, s := range list {
		if s.id == id {
			b.subs[name] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[name]) == 0 {
		delete(b.subs, name)
	}
}

// Publish emits payload on name to every subscriber, with no marker and
// no result sink; fire-and-forget.
func (b *Bus) Publish(name hostkit.EventName, payload Payload) {
	b.publish(name, "", payload, "")
}

// PublishWithMarker emits payload on name carrying marker (typically an
// extensionId) for subscriber-side equality filtering.
func (b *Bus) PublishWithMarker(name hostkit.EventName, marker string, payload Payload) {
	b.publish(name, marker, payload, "")
}

func (b *Bus) publish(name hostkit.EventName, marker string, payload Payload, callbackID string) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	// Copy the slices under the lock so handlers run outside it, but
	// per-subscriber delivery order still matches emit order on this
	// call: dispatch to distinct subscribers is unordered relative to
	// each other, but each one is invoked in its own goroutine-free call
	// here, preserving this publish's place in that subscriber's stream.
	list := append([]subscription(nil), b.subs[name]...)
	var all []allSubscription
	if !isReturnName(name) {
		all = append(all, b.allSubs...)
	}
	b.mu.RUnlock()

	for _, s := range list {
		s.handler(marker, payload)
	}
	for _, s := range all {
		s.handler(Event{Name: name, Marker: marker, Payload: payload, CallbackID: callbackID})
	}
}

func isReturnName(name hostkit.EventName) bool {
	return len(name) > 7 && name[:7] == "return|"
}

// Result is the payload delivered back through a resultSink.
type Result struct {
	Payload Payload
	Err     error
}

// PublishWithResult emits payload on name and arranges for at most one
// response published to "return|<callbackId>" to be delivered to
// onResult, after which the single-use subscription is cancelled.
// The generated callbackId is returned so the emitter can
// thread it into the outbound payload for the callee to address its
// reply to.
func (b *Bus) PublishWithResult(name hostkit.EventName, marker string, payload Payload, onResult func(Result)) (callbackID string, err error) {
	callbackID = uuid.NewString()
	returnName := hostkit.EventName("return|" + callbackID)

	var off OffFunc
	off = b.subscribe(returnName, func(_ string, p Payload) {
		result, _ := p.(Result)
		off()
		onResult(result)
	})

	b.publish(name, marker, payload, callbackID)
	return callbackID, nil
}

// Reply publishes a Result to the return-name for callbackID, resolving
// a pending PublishWithResult call.
func (b *Bus) Reply(callbackID string, result Result) {
	b.publish(hostkit.EventName("return|"+callbackID), "", result, "")
}

// Close marks the bus closed; further Subscribe calls are no-ops and
// further Publish calls silently drop.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.subs = make(map[hostkit.EventName][]subscription)
	b.allSubs = nil
}
