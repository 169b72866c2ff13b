// Package memory provides an in-process notify.Notifier that records every
// published message. It is intended for tests and single-process setups.
package memory

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/giantswarm/github-auth/notify"
)

// Compile-time interface check
var _ notify.Notifier = (*Notifier)(nil)

// Message is a recorded publish call.
type Message struct {
	ID      string
	Topic   string
	Subject string
	Payload []byte
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// Notifier records published messages.
type Notifier struct {
	mu       sync.Mutex
	messages []Message
	seq      int

	// Err, when set, fails every publish
	Err error

	// OmitIDs makes publishes succeed without a message id
	OmitIDs bool
}

// New creates an empty recorder.
func New() *Notifier {
	return &Notifier{}
}

// Publish records the message and returns a sequential id.
func (n *Notifier) Publish(_ context.Context, topic, subject string, payload []byte) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.Err != nil {
		return "", n.Err
	}

	n.seq++
	id := "msg-" + strconv.Itoa(n.seq)
	if n.OmitIDs {
		id = ""
	}
	n.messages = append(n.messages, Message{
		ID:      id,
		Topic:   topic,
		Subject: subject,
		Payload: append([]byte(nil), payload...),
	})
	return id, nil
}

// Messages returns every recorded message in publish order.
func (n *Notifier) Messages() []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Message(nil), n.messages...)
}

// BySubject returns the recorded messages with the given subject.
func (n *Notifier) BySubject(subject string) []Message {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []Message
	for _, m := range n.messages {
		if m.Subject == subject {
			out = append(out, m)
		}
	}
	return out
}

// Reset drops all recorded messages.
func (n *Notifier) Reset() {
	n.mu.Lock()
	n.messages = nil
	n.mu.Unlock()
}
