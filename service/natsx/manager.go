package natsx

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NatsManager is the facade the rest of the process talks to: register a
// route once, then Publish/Subscribe by biz name.
type NatsManager struct {
	client *NatsxClient
}

func NewNatsManager(cfg NatsxConfig) (*NatsManager, error) {
	c, err := NewNatsxClient(cfg)
	if err != nil {
		return nil, err
	}
	return &NatsManager{client: c}, nil
}

func (m *NatsManager) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

func (m *NatsManager) Connected() bool {
	return m != nil && m.client != nil && m.client.Connected()
}

func (m *NatsManager) RegisterRoute(r NatsxRoute) error {
	if m == nil || m.client == nil {
		return fmt.Errorf("manager not initialized")
	}
	return m.client.RegisterRoute(r)
}

// Publish sends one event on the biz's subject. At-most-once: a failed
// publish is the caller's signal that fanout degraded, nothing is queued.
func (m *NatsManager) Publish(_ context.Context, biz string, data []byte) error {
	if m == nil || m.client == nil {
		return fmt.Errorf("manager not initialized")
	}
	r, ok := m.client.route(biz)
	if !ok {
		return fmt.Errorf("route not found: %s", biz)
	}
	return m.client.nc.Publish(r.Subject, data)
}

// Subscribe attaches h to the biz's subject. Queue is honored when the
// route sets one; broadcast topics leave it empty so every instance
// receives every event.
func (m *NatsManager) Subscribe(biz string, h NatsxHandler) error {
	if m == nil || m.client == nil {
		return fmt.Errorf("manager not initialized")
	}
	r, ok := m.client.route(biz)
	if !ok {
		return fmt.Errorf("route not found: %s", biz)
	}

	cb := func(msg *nats.Msg) {
		_ = h(context.Background(), NatsxMessage{
			Subject: msg.Subject,
			Data:    append([]byte(nil), msg.Data...),
		})
	}

	var (
		sub *nats.Subscription
		err error
	)
	if r.Queue == "" {
		sub, err = m.client.nc.Subscribe(r.Subject, cb)
	} else {
		sub, err = m.client.nc.QueueSubscribe(r.Subject, r.Queue, cb)
	}
	if err != nil {
		return err
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)

	m.client.mu.Lock()
	m.client.subs[biz] = sub
	m.client.mu.Unlock()
	return nil
}
