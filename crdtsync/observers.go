package crdtsync

import (
	"sync"

	"crdtrelay/common"
	"crdtrelay/crdt"
)

// DropReason classifies an inbound payload dropped at the boundary.
type DropReason string

const (
	DropReasonCrypto       DropReason = "crypto"
	DropReasonDecode       DropReason = "decode"
	DropReasonTypeMismatch DropReason = "type_mismatch"
	DropReasonInvalid      DropReason = "invalid"
	DropReasonInternal     DropReason = "internal"
)

// DropEvent describes a dropped inbound payload.
type DropEvent struct {
	// Sender is the identity the payload claimed to come from.
	Sender string
	// Key and OpID are set when the payload decoded.
	Key    string
	OpID   common.OperationID
	Reason DropReason
	Err    error
}

func dropReason(err error) DropReason {
	switch {
	case common.IsCrypto(err):
		return DropReasonCrypto
	case common.IsDecode(err):
		return DropReasonDecode
	case common.IsTypeMismatch(err):
		return DropReasonTypeMismatch
	case common.IsInvalidOperation(err):
		return DropReasonInvalid
	default:
		return DropReasonInternal
	}
}

// ChangeFunc is called with the new value of a key after it changed.
type ChangeFunc func(key string, value interface{})

// DropFunc is called for every dropped inbound payload.
type DropFunc func(event DropEvent)

// PublishErrorFunc is called when an operation could not be published after
// all attempts. The operation stays applied locally.
type PublishErrorFunc func(op crdt.Operation, err error)

type observers struct {
	mutex        sync.RWMutex
	next         uint64
	onChange     map[uint64]ChangeFunc
	onDrop       map[uint64]DropFunc
	onPublishErr map[uint64]PublishErrorFunc
}

func newObservers() *observers {
	return &observers{
		onChange:     make(map[uint64]ChangeFunc),
		onDrop:       make(map[uint64]DropFunc),
		onPublishErr: make(map[uint64]PublishErrorFunc),
	}
}

func (o *observers) id() uint64 {
	o.next++
	return o.next
}

// OnChange registers fn for state changes, local and remote. Calls for one key
// happen in apply order while the key is held, so fn must not mutate that key.
// The returned func removes the observer.
func (m *Manager) OnChange(fn ChangeFunc) func() {
	o := m.observers
	o.mutex.Lock()
	defer o.mutex.Unlock()

	id := o.id()
	o.onChange[id] = fn
	return func() {
		o.mutex.Lock()
		defer o.mutex.Unlock()
		delete(o.onChange, id)
	}
}

// OnDrop registers fn for dropped inbound payloads.
func (m *Manager) OnDrop(fn DropFunc) func() {
	o := m.observers
	o.mutex.Lock()
	defer o.mutex.Unlock()

	id := o.id()
	o.onDrop[id] = fn
	return func() {
		o.mutex.Lock()
		defer o.mutex.Unlock()
		delete(o.onDrop, id)
	}
}

// OnPublishError registers fn for publish failures.
func (m *Manager) OnPublishError(fn PublishErrorFunc) func() {
	o := m.observers
	o.mutex.Lock()
	defer o.mutex.Unlock()

	id := o.id()
	o.onPublishErr[id] = fn
	return func() {
		o.mutex.Lock()
		defer o.mutex.Unlock()
		delete(o.onPublishErr, id)
	}
}

func (o *observers) change(key string, value interface{}) {
	o.mutex.RLock()
	fns := make([]ChangeFunc, 0, len(o.onChange))
	for _, fn := range o.onChange {
		fns = append(fns, fn)
	}
	o.mutex.RUnlock()

	for _, fn := range fns {
		fn(key, value)
	}
}

func (o *observers) drop(event DropEvent) {
	o.mutex.RLock()
	fns := make([]DropFunc, 0, len(o.onDrop))
	for _, fn := range o.onDrop {
		fns = append(fns, fn)
	}
	o.mutex.RUnlock()

	for _, fn := range fns {
		fn(event)
	}
}

func (o *observers) publishError(op crdt.Operation, err error) {
	o.mutex.RLock()
	fns := make([]PublishErrorFunc, 0, len(o.onPublishErr))
	for _, fn := range o.onPublishErr {
		fns = append(fns, fn)
	}
	o.mutex.RUnlock()

	for _, fn := range fns {
		fn(op, err)
	}
}

func (m *Manager) drop(event DropEvent) {
	m.metrics.dropped.WithLabelValues(string(event.Reason)).Inc()
	m.logger.Warnf("dropped payload from %s (%s): %v", event.Sender, event.Reason, event.Err)
	m.observers.drop(event)
}
