// Package queue abstracts work queues which feed workers.
//
// Queues deliver messages at least once. A received message is hidden from
// other receivers for the visibility timeout, and is delivered again unless
// it is acknowledged within the timeout.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	xe "github.com/opst/kjobs/pkg/errors"
)

// ErrStaleReceipt is returned from Ack when the message has been delivered
// to another receiver after the receipt handle was issued.
var ErrStaleReceipt = errors.New("receipt handle is stale")

// Message is a message received from a queue.
type Message struct {
	ID      string
	Payload []byte

	// handle to acknowledge this delivery.
	ReceiptHandle string

	// how many times the message has been delivered, including this delivery.
	Receives int
}

// Args decodes the payload as template arguments.
func (m *Message) Args() (Payload, error) {
	return DecodePayload(m.Payload)
}

type Queue interface {
	Name() string

	// Enqueue puts a message into the queue, and returns its id.
	Enqueue(ctx context.Context, payload []byte) (string, error)

	// Receive takes a visible message from the queue, waiting at most wait.
	//
	// It returns (nil, nil) when no messages get visible in wait.
	Receive(ctx context.Context, wait time.Duration) (*Message, error)

	// Ack removes the received message from the queue.
	//
	// Acknowledging a message removed already is not an error.
	// When the message has been delivered again after the receipt is issued, it returns ErrStaleReceipt.
	Ack(ctx context.Context, receiptHandle string) error
}

// Broker opens queues by name.
type Broker interface {
	Open(name string) (Queue, error)
	Close() error
}

// Payload is the content of messages: arguments of a job template.
type Payload map[string]string

// Encode encodes the payload into JSON.
func (p Payload) Encode() ([]byte, error) {
	if p == nil {
		p = Payload{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	return b, nil
}

// DecodePayload decodes JSON object having only string values.
func DecodePayload(b []byte) (Payload, error) {
	p := Payload{}
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, xe.WrapWithNote("payload should be a JSON object of strings", err)
	}
	return p, nil
}

// NewReceipt makes a receipt handle for a delivery of the message.
func NewReceipt(id string, token string) string {
	return id + "@" + token
}

// ParseReceipt splits receipt handle into message id and delivery token.
func ParseReceipt(receipt string) (id string, token string, ok bool) {
	id, token, ok = strings.Cut(receipt, "@")
	if !ok || id == "" || token == "" {
		return "", "", false
	}
	return id, token, true
}

// ErrInvalidReceipt is returned from Ack when the receipt handle is not issued by the queue.
var ErrInvalidReceipt = errors.New("receipt handle is invalid")
