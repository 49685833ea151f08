package bus

import (
	"context"
	"sync"
)

const defaultBufferSize = 100

// MessageBus carries chat traffic between channels and the command router.
type MessageBus struct {
	inbound  chan *InboundMessage
	outbound chan *OutboundMessage

	mu     sync.RWMutex
	closed bool
}

// NewMessageBus creates a bus with the given channel buffer size.
func NewMessageBus(bufferSize int) *MessageBus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &MessageBus{
		inbound:  make(chan *InboundMessage, bufferSize),
		outbound: make(chan *OutboundMessage, bufferSize),
	}
}

// PublishInbound queues a message received from a channel. It blocks while
// the buffer is full and drops the message once the bus is closed.
func (b *MessageBus) PublishInbound(msg *InboundMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed || msg == nil {
		return
	}
	if msg.RequestID == "" {
		msg.RequestID = NewRequestID()
	}
	b.inbound <- msg
}

// PublishOutbound queues a message for delivery by the channel manager.
func (b *MessageBus) PublishOutbound(msg *OutboundMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed || msg == nil {
		return
	}
	b.outbound <- msg
}

// PublishOutboundContext is PublishOutbound that gives up when ctx ends.
func (b *MessageBus) PublishOutboundContext(ctx context.Context, msg *OutboundMessage) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed || msg == nil {
		return nil
	}
	select {
	case b.outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inbound exposes the inbound queue.
func (b *MessageBus) Inbound() <-chan *InboundMessage {
	return b.inbound
}

// Outbound exposes the outbound queue.
func (b *MessageBus) Outbound() <-chan *OutboundMessage {
	return b.outbound
}

// Close stops accepting messages and closes both queues.
func (b *MessageBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.inbound)
	close(b.outbound)
}
