package crdtsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"crdtrelay/codec"
	"crdtrelay/common"
	"crdtrelay/crdt"
	"crdtrelay/crdtpubsub"
)

// ErrStopped is reported for operations that could not be queued because the
// manager was stopped.
var ErrStopped = errors.New("manager is stopped")

// publisher drains the outbound queue on a single goroutine. Failures never
// roll back the local apply; they are reported to the publish error hooks.
type publisher struct {
	m     *Manager
	queue chan crdt.Operation
	// mutex guards closed against concurrent enqueue.
	mutex  sync.RWMutex
	closed bool
	// ctx is passed to the transport and bounds retry waits.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newPublisher(m *Manager) *publisher {
	ctx, cancel := context.WithCancel(context.Background())
	return &publisher{
		m:      m,
		queue:  make(chan crdt.Operation, m.queueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (p *publisher) enqueue(ctx context.Context, op crdt.Operation) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.closed {
		p.fail(op, ErrStopped)
		return
	}

	select {
	case p.queue <- op:
	case <-ctx.Done():
		p.fail(op, ctx.Err())
	}
}

func (p *publisher) run() {
	defer close(p.done)

	for op := range p.queue {
		p.publish(op)
	}
}

// stop closes the queue and waits until everything queued has been handled.
func (p *publisher) stop() {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mutex.Unlock()

	<-p.done
	p.cancel()
}

func (p *publisher) publish(op crdt.Operation) {
	m := p.m
	for _, recipient := range m.Recipients() {
		payload, err := codec.Seal(m.codec, m.cipher, op, recipient)
		if err != nil {
			p.fail(op, err)
			continue
		}

		msg := crdtpubsub.Message{
			Topic:     m.topic,
			Sender:    m.cipher.Identity(),
			Recipient: recipient,
			Payload:   payload,
			Metadata: map[string]string{
				crdtpubsub.MetadataCRDT:    op.Type.String(),
				crdtpubsub.MetadataApp:     crdtpubsub.AppTag,
				crdtpubsub.MetadataReplica: string(m.author),
			},
		}

		if err := p.send(msg); err != nil {
			p.fail(op, common.ErrTransport{Topic: m.topic, Err: err})
			continue
		}
		m.metrics.published.Inc()
	}
}

// send publishes msg, retrying with a fixed backoff.
func (p *publisher) send(msg crdtpubsub.Message) error {
	m := p.m
	var err error
	for attempt := 1; attempt <= m.publishAttempts; attempt++ {
		if err = m.transport.Publish(p.ctx, msg); err == nil {
			return nil
		}
		m.logger.Debugf("publish attempt %d/%d on %s failed: %v", attempt, m.publishAttempts, msg.Topic, err)

		if attempt == m.publishAttempts {
			break
		}
		select {
		case <-time.After(m.publishBackoff):
		case <-p.ctx.Done():
			return err
		}
	}
	return err
}

func (p *publisher) fail(op crdt.Operation, err error) {
	m := p.m
	m.metrics.publishFailures.Inc()
	m.logger.Errorf("failed to publish operation %s on %s: %v", op.ID, op.Key, err)
	m.observers.publishError(op, err)
}
