package chat

import (
	"context"

	"github.com/stafflink/stafflink/service/natsx"
)

// NatsBus adapts the NATS manager to the router's Bus contract. All relay
// topics are broadcast (no queue group): every instance must see every
// event to serve its own local sessions.
type NatsBus struct {
	mgr *natsx.NatsManager
}

func NewNatsBus(mgr *natsx.NatsManager) (*NatsBus, error) {
	for topic, subject := range topicSubjects {
		if err := mgr.RegisterRoute(natsx.NatsxRoute{Biz: topic, Subject: subject}); err != nil {
			return nil, err
		}
	}
	return &NatsBus{mgr: mgr}, nil
}

func (b *NatsBus) Publish(ctx context.Context, topic string, data []byte) error {
	return b.mgr.Publish(ctx, topic, data)
}

func (b *NatsBus) Subscribe(topic string, h func(ctx context.Context, data []byte)) error {
	return b.mgr.Subscribe(topic, func(ctx context.Context, msg natsx.NatsxMessage) error {
		h(ctx, msg.Data)
		return nil
	})
}

func (b *NatsBus) Connected() bool {
	return b.mgr.Connected()
}
