// Package mqtttest provides an in-memory MQTT bus for tests.
//
// Bus implements the Publish/Subscribe surface of mqtt.Client, matches
// filters with the same wildcard rules and delivers every message on its
// own goroutine, as the real client does with ordering disabled.
package mqtttest

import (
	"encoding/json"
	"sync"

	"github.com/nerrad567/lab-platform/internal/infrastructure/mqtt"
)

// Message is a published message captured by the Bus.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Bus is an in-memory pub/sub bus. The zero value is not usable; call New.
type Bus struct {
	mu         sync.Mutex
	subs       map[string]mqtt.MessageHandler
	published  []Message
	publishErr error
	offline    bool

	inflight sync.WaitGroup
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]mqtt.MessageHandler)}
}

// Publish records the message and delivers it to every matching subscriber.
func (b *Bus) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return mqtt.ErrInvalidTopic
	}

	b.mu.Lock()
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return err
	}
	cp := append([]byte(nil), payload...)
	b.published = append(b.published, Message{Topic: topic, Payload: cp, QoS: qos, Retained: retained})

	var handlers []mqtt.MessageHandler
	for filter, h := range b.subs {
		if mqtt.MatchTopic(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	b.inflight.Add(len(handlers))
	b.mu.Unlock()

	for _, h := range handlers {
		go func(h mqtt.MessageHandler) {
			defer b.inflight.Done()
			defer func() { _ = recover() }()
			_ = h(topic, cp)
		}(h)
	}
	return nil
}

// PublishJSON marshals v and publishes it at QoS 1.
func (b *Bus) PublishJSON(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Publish(topic, payload, 1, false)
}

// Subscribe registers handler for filter, replacing any previous handler
// for the same filter.
func (b *Bus) Subscribe(filter string, _ byte, handler mqtt.MessageHandler) error {
	if filter == "" {
		return mqtt.ErrInvalidTopic
	}
	b.mu.Lock()
	b.subs[filter] = handler
	b.mu.Unlock()
	return nil
}

// Unsubscribe removes the handler for filter.
func (b *Bus) Unsubscribe(filter string) error {
	b.mu.Lock()
	delete(b.subs, filter)
	b.mu.Unlock()
	return nil
}

// QoS returns 1.
func (b *Bus) QoS() byte { return 1 }

// SetPublishError makes every later Publish fail with err. Pass nil to clear.
func (b *Bus) SetPublishError(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

// SetConnected controls what IsConnected reports.
func (b *Bus) SetConnected(connected bool) {
	b.mu.Lock()
	b.offline = !connected
	b.mu.Unlock()
}

// IsConnected reports true unless SetConnected(false) was called.
func (b *Bus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.offline
}

// Wait blocks until every delivery started so far has returned.
func (b *Bus) Wait() {
	b.inflight.Wait()
}

// Messages returns the published messages whose topic matches filter.
func (b *Bus) Messages(filter string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for _, m := range b.published {
		if mqtt.MatchTopic(filter, m.Topic) {
			out = append(out, m)
		}
	}
	return out
}

// HasSubscription reports whether filter is subscribed.
func (b *Bus) HasSubscription(filter string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[filter]
	return ok
}
