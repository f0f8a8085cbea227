// Package crdtsync replicates keyed CRDT instances between replicas. A Manager
// applies local mutations immediately, publishes them as sealed operations and
// merges operations received from other replicas.
package crdtsync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"

	"crdtrelay/codec"
	"crdtrelay/common"
	"crdtrelay/crdt"
	"crdtrelay/crdtpubsub"
	"crdtrelay/oplog"
	"crdtrelay/seal"
)

var log = logging.Logger("crdtsync")

// ApplyResult reports the outcome of an inbound operation.
type ApplyResult struct {
	// Status says whether the operation changed state.
	Status common.ApplyStatus
	// Op is the decoded operation.
	Op crdt.Operation
	// Value is the value of the targeted key after the operation.
	Value interface{}
}

// instance is one keyed CRDT. mutex serializes mutations; readers use the
// published view and never take mutex.
type instance struct {
	mutex sync.Mutex
	state crdt.State
	view  atomic.Pointer[view]
}

type view struct {
	state crdt.State
}

func (i *instance) load() crdt.State {
	v := i.view.Load()
	if v == nil {
		return nil
	}
	return v.state
}

// publish stores a copy of the current state for readers. The caller must
// hold i.mutex.
func (i *instance) publish() {
	i.view.Store(&view{state: i.state.Clone()})
}

// Manager owns the registry of CRDT instances for one replica.
type Manager struct {
	author    common.AuthorID
	cipher    seal.Cipher
	transport crdtpubsub.PubSub
	codec     codec.EncoderDecoder
	clock     Clock
	topic     string

	recipients []string
	// recipientsMutex protects recipients.
	recipientsMutex sync.RWMutex

	oplog     oplog.Log
	ownsOpLog bool

	// registry maps key to instance.
	registry map[string]*instance
	// mutex protects registry.
	mutex sync.RWMutex

	observers *observers

	publishAttempts int
	publishBackoff  time.Duration
	queueSize       int
	publisher       *publisher

	registerer prometheus.Registerer
	metrics    *metrics
	logger     *logging.ZapEventLogger

	// lifecycle protects running and stopped.
	lifecycle    sync.Mutex
	running      bool
	stopped      bool
	subscriberID string
}

// New creates a Manager for author. The publish worker starts immediately,
// so local mutations are published even before Start.
func New(author common.AuthorID, cipher seal.Cipher, transport crdtpubsub.PubSub, opts ...Option) (*Manager, error) {
	if author == "" {
		return nil, errors.New("author cannot be empty")
	}
	if cipher == nil {
		return nil, errors.New("cipher cannot be nil")
	}
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}

	m := &Manager{
		author:          author,
		cipher:          cipher,
		transport:       transport,
		codec:           codec.JSONCodec{},
		clock:           WallClock{},
		topic:           DefaultTopic,
		registry:        make(map[string]*instance),
		observers:       newObservers(),
		publishAttempts: DefaultPublishAttempts,
		publishBackoff:  DefaultPublishBackoff,
		queueSize:       DefaultQueueSize,
		logger:          log,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.oplog == nil {
		m.oplog = oplog.NewMemoryLog(nil)
		m.ownsOpLog = true
	}
	if len(m.recipients) == 0 {
		m.recipients = []string{cipher.Identity()}
	}
	if m.registerer == nil {
		m.registerer = prometheus.NewRegistry()
	}
	m.metrics = newMetrics(m.registerer)
	m.subscriberID = "crdtsync-" + string(author)

	m.publisher = newPublisher(m)
	go m.publisher.run()

	return m, nil
}

// Author returns the replica's author id.
func (m *Manager) Author() common.AuthorID {
	return m.author
}

// Topic returns the transport topic.
func (m *Manager) Topic() string {
	return m.topic
}

// Recipients returns the identities operations are encrypted for.
func (m *Manager) Recipients() []string {
	m.recipientsMutex.RLock()
	defer m.recipientsMutex.RUnlock()
	return append([]string(nil), m.recipients...)
}

// AddRecipients adds identities to the broadcast list. Operations queued
// afterwards are also sealed for them. It returns the number added.
func (m *Manager) AddRecipients(identities ...string) int {
	m.recipientsMutex.Lock()
	defer m.recipientsMutex.Unlock()

	added := 0
	for _, id := range identities {
		if id == "" || slices.Contains(m.recipients, id) {
			continue
		}
		m.recipients = append(m.recipients, id)
		added++
	}
	return added
}

// Start subscribes to the topic and feeds every inbound message to
// HandleIncoming. A failure for one message never stops delivery.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.stopped {
		return errors.New("manager is stopped")
	}
	if m.running {
		return errors.New("manager is already running")
	}

	if err := m.transport.Subscribe(ctx, m.topic, m.subscriberID, m.deliver); err != nil {
		return common.ErrTransport{Topic: m.topic, Err: err}
	}

	m.running = true
	m.logger.Infof("replica %s listening on topic %s", m.author, m.topic)
	return nil
}

// Stop unsubscribes, publishes what is still queued and closes the op log if
// the manager created it. Local reads keep working after Stop.
func (m *Manager) Stop() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.stopped {
		return nil
	}
	m.stopped = true

	var firstErr error
	if m.running {
		m.running = false
		if err := m.transport.Unsubscribe(context.Background(), m.topic, m.subscriberID); err != nil {
			firstErr = common.ErrTransport{Topic: m.topic, Err: err}
		}
	}

	m.publisher.stop()

	if m.ownsOpLog {
		if err := m.oplog.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close op log: %w", err)
		}
	}
	return firstErr
}

// deliver is the transport handler.
func (m *Manager) deliver(ctx context.Context, msg crdtpubsub.Message) error {
	if app, ok := msg.Metadata[crdtpubsub.MetadataApp]; !ok || app != crdtpubsub.AppTag {
		m.logger.Debugf("ignoring foreign message on %s", msg.Topic)
		return nil
	}
	if msg.Metadata[crdtpubsub.MetadataReplica] == string(m.author) {
		return nil
	}
	if msg.Recipient != "" && msg.Recipient != m.cipher.Identity() {
		return nil
	}

	// Failures are reported through the drop hooks; the transport only
	// needs to keep delivering.
	_, _ = m.HandleIncoming(ctx, msg.Payload, msg.Sender)
	return nil
}

// UpdateLWWRegister sets key to value. The timestamp is the clock reading, or
// one past the register's current timestamp if that is larger, so a local
// write always supersedes what this replica has already seen. A register
// already at math.MaxUint64 cannot be superseded and the write is rejected
// with common.ErrInvalidOperation.
func (m *Manager) UpdateLWWRegister(ctx context.Context, key string, value string) (crdt.Operation, error) {
	return m.applyLocal(ctx, key, common.CRDTTypeLWWRegister, func(current crdt.State) (crdt.Operation, error) {
		ts := m.clock.Now()
		if reg, ok := current.(*crdt.LWWRegister); ok && reg.Current != nil && reg.Timestamp >= ts {
			if reg.Timestamp == math.MaxUint64 {
				return crdt.Operation{}, common.ErrInvalidOperation{Message: fmt.Sprintf("register %s is at the maximum timestamp", key)}
			}
			ts = reg.Timestamp + 1
		}
		return crdt.NewSetOperation(key, value, ts, m.author), nil
	})
}

// IncrementCounter adds amount to the local author's slot of the counter.
// Negative amounts are rejected with common.ErrInvalidOperation.
func (m *Manager) IncrementCounter(ctx context.Context, key string, amount int64) (crdt.Operation, error) {
	if amount < 0 {
		return crdt.Operation{}, common.ErrInvalidOperation{Message: fmt.Sprintf("negative increment %d", amount)}
	}
	return m.applyLocal(ctx, key, common.CRDTTypeGCounter, func(crdt.State) (crdt.Operation, error) {
		return crdt.NewIncrementOperation(key, uint64(amount), m.clock.Now(), m.author), nil
	})
}

// AddToSet inserts value into the set.
func (m *Manager) AddToSet(ctx context.Context, key string, value string) (crdt.Operation, error) {
	return m.applyLocal(ctx, key, common.CRDTTypeGSet, func(crdt.State) (crdt.Operation, error) {
		return crdt.NewAddOperation(key, value, m.clock.Now(), m.author), nil
	})
}

func (m *Manager) applyLocal(ctx context.Context, key string, crdtType common.CRDTType, build func(current crdt.State) (crdt.Operation, error)) (crdt.Operation, error) {
	if key == "" {
		return crdt.Operation{}, common.ErrInvalidOperation{Message: "missing key"}
	}

	inst := m.instance(key)
	inst.mutex.Lock()

	if inst.state != nil && inst.state.Type() != crdtType {
		existing := inst.state.Type()
		inst.mutex.Unlock()
		return crdt.Operation{}, common.ErrTypeMismatch{Key: key, Existing: existing, Declared: crdtType}
	}

	op, err := build(inst.state)
	if err != nil {
		inst.mutex.Unlock()
		return crdt.Operation{}, err
	}
	if _, err := m.oplog.Record(ctx, op.ID); err != nil {
		inst.mutex.Unlock()
		return crdt.Operation{}, fmt.Errorf("failed to record operation: %w", err)
	}

	if _, err := m.applyLocked(inst, op); err != nil {
		inst.mutex.Unlock()
		return crdt.Operation{}, err
	}
	inst.mutex.Unlock()

	m.publisher.enqueue(ctx, op)
	return op, nil
}

// HandleIncoming decrypts, decodes and applies one inbound payload. Crypto,
// decode and type mismatch failures drop the payload, are reported to the
// drop hooks and returned. An already applied operation is not an error and
// yields common.ApplyStatusDuplicate.
func (m *Manager) HandleIncoming(ctx context.Context, payload []byte, sender string) (ApplyResult, error) {
	op, err := codec.Open(m.codec, m.cipher, payload, sender)
	if err != nil {
		m.drop(DropEvent{Sender: sender, Reason: dropReason(err), Err: err})
		return ApplyResult{}, err
	}

	result, err := m.applyRemote(ctx, op)
	if err != nil {
		m.drop(DropEvent{Sender: sender, Key: op.Key, OpID: op.ID, Reason: dropReason(err), Err: err})
		return ApplyResult{Op: op}, err
	}
	return result, nil
}

func (m *Manager) applyRemote(ctx context.Context, op crdt.Operation) (ApplyResult, error) {
	if err := op.Validate(); err != nil {
		return ApplyResult{}, err
	}

	inst := m.instance(op.Key)
	inst.mutex.Lock()
	defer inst.mutex.Unlock()

	seen, err := m.oplog.Contains(ctx, op.ID)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to check operation log: %w", err)
	}
	if seen {
		return m.duplicate(inst, op), nil
	}

	if inst.state != nil && inst.state.Type() != op.Type {
		return ApplyResult{}, common.ErrTypeMismatch{Key: op.Key, Existing: inst.state.Type(), Declared: op.Type}
	}

	fresh, err := m.oplog.Record(ctx, op.ID)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to record operation: %w", err)
	}
	if !fresh {
		return m.duplicate(inst, op), nil
	}

	changed, err := m.applyLocked(inst, op)
	if err != nil {
		return ApplyResult{}, err
	}

	status := common.ApplyStatusUnchanged
	if changed {
		status = common.ApplyStatusApplied
	}
	return ApplyResult{Status: status, Op: op, Value: inst.state.Value()}, nil
}

func (m *Manager) duplicate(inst *instance, op crdt.Operation) ApplyResult {
	m.metrics.duplicates.Inc()
	m.logger.Debugf("skipping duplicate operation %s on %s", op.ID, op.Key)

	var value interface{}
	if inst.state != nil {
		value = inst.state.Value()
	}
	return ApplyResult{Status: common.ApplyStatusDuplicate, Op: op, Value: value}
}

// applyLocked applies op, creating the state on first use, and notifies
// change observers. The caller must hold inst.mutex.
func (m *Manager) applyLocked(inst *instance, op crdt.Operation) (bool, error) {
	state := inst.state
	if state == nil {
		created, err := crdt.NewState(op.Type)
		if err != nil {
			return false, err
		}
		state = created
	}

	changed, err := crdt.Apply(state, op)
	if err != nil {
		return false, err
	}

	created := inst.state == nil
	inst.state = state
	m.metrics.applied.WithLabelValues(op.Type.String()).Inc()

	if changed || created {
		inst.publish()
	}
	if changed {
		m.observers.change(op.Key, state.Value())
	}
	return changed, nil
}

// MergeState joins a remote state into key, creating the key if needed. It
// reports whether the local state changed.
func (m *Manager) MergeState(key string, remote crdt.State) (bool, error) {
	if key == "" {
		return false, common.ErrInvalidOperation{Message: "missing key"}
	}
	if remote == nil {
		return false, common.ErrInvalidOperation{Message: "missing state"}
	}

	inst := m.instance(key)
	inst.mutex.Lock()
	defer inst.mutex.Unlock()

	if inst.state == nil {
		inst.state = remote.Clone()
		inst.publish()
		m.observers.change(key, inst.state.Value())
		return true, nil
	}

	if inst.state.Type() != remote.Type() {
		return false, common.ErrTypeMismatch{Key: key, Existing: inst.state.Type(), Declared: remote.Type()}
	}

	merged, err := crdt.Merge(inst.state, remote)
	if err != nil {
		return false, err
	}
	if merged.Equal(inst.state) {
		return false, nil
	}

	inst.state = merged
	inst.publish()
	m.observers.change(key, merged.Value())
	return true, nil
}

func (m *Manager) instance(key string) *instance {
	m.mutex.RLock()
	inst, ok := m.registry[key]
	m.mutex.RUnlock()
	if ok {
		return inst
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if inst, ok := m.registry[key]; ok {
		return inst
	}
	inst = &instance{}
	m.registry[key] = inst
	return inst
}

func (m *Manager) lookup(key string) (crdt.State, error) {
	m.mutex.RLock()
	inst, ok := m.registry[key]
	m.mutex.RUnlock()
	if !ok {
		return nil, common.ErrNotFound{Key: key}
	}

	state := inst.load()
	if state == nil {
		return nil, common.ErrNotFound{Key: key}
	}
	return state, nil
}

// Read returns the value of key: a string or nil for a register, a uint64
// for a counter and a sorted []string for a set.
func (m *Manager) Read(key string) (interface{}, error) {
	state, err := m.lookup(key)
	if err != nil {
		return nil, err
	}
	return state.Value(), nil
}

// ReadRegister returns the register value and whether one was ever set.
func (m *Manager) ReadRegister(key string) (string, bool, error) {
	state, err := m.lookup(key)
	if err != nil {
		return "", false, err
	}
	reg, ok := state.(*crdt.LWWRegister)
	if !ok {
		return "", false, common.ErrTypeMismatch{Key: key, Existing: state.Type(), Declared: common.CRDTTypeLWWRegister}
	}
	value, set := reg.Get()
	return value, set, nil
}

// ReadCounter returns the counter total.
func (m *Manager) ReadCounter(key string) (uint64, error) {
	state, err := m.lookup(key)
	if err != nil {
		return 0, err
	}
	counter, ok := state.(*crdt.GCounter)
	if !ok {
		return 0, common.ErrTypeMismatch{Key: key, Existing: state.Type(), Declared: common.CRDTTypeGCounter}
	}
	return counter.Total(), nil
}

// ReadSet returns the sorted set members.
func (m *Manager) ReadSet(key string) ([]string, error) {
	state, err := m.lookup(key)
	if err != nil {
		return nil, err
	}
	set, ok := state.(*crdt.GSet)
	if !ok {
		return nil, common.ErrTypeMismatch{Key: key, Existing: state.Type(), Declared: common.CRDTTypeGSet}
	}
	return set.Members(), nil
}

// TypeOf returns the CRDT type registered under key.
func (m *Manager) TypeOf(key string) (common.CRDTType, error) {
	state, err := m.lookup(key)
	if err != nil {
		return "", err
	}
	return state.Type(), nil
}

// Snapshot returns a copy of the state of key.
func (m *Manager) Snapshot(key string) (crdt.State, error) {
	state, err := m.lookup(key)
	if err != nil {
		return nil, err
	}
	return state.Clone(), nil
}

// Keys returns every key holding state, sorted.
func (m *Manager) Keys() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	keys := make([]string, 0, len(m.registry))
	for key, inst := range m.registry {
		if inst.load() != nil {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
