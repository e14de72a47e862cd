package bus

import "context"

// MessageBus routes inbound messages to the engine consumer and outbound
// replies to the dispatch loop. Both sides are buffered so a slow consumer
// applies back-pressure to publishers instead of dropping messages.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
}

// NewMessageBus creates a bus with the given queue depth per direction.
func NewMessageBus(depth int) *MessageBus {
	if depth <= 0 {
		depth = 256
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, depth),
		outbound: make(chan OutboundMessage, depth),
	}
}

// PublishInbound queues a delivered message for the engine consumer.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

// ConsumeInbound blocks until a message is available or ctx is cancelled.
// The bool result is false only on cancellation.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case msg := <-b.inbound:
		return msg, true
	}
}

// PublishOutbound queues a reply for the dispatch loop.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

// SubscribeOutbound blocks until a reply is available or ctx is cancelled.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case msg := <-b.outbound:
		return msg, true
	}
}
