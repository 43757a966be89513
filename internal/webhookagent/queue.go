// Package webhookagent is an event-driven alternative front door to the
// dispatcher's DISPATCH command: it accepts GitHub push webhooks over
// HTTP, buffers them on a non-durable AMQP queue, and a consumer goroutine drains
// that queue to submit revisions over the wire protocol.
package webhookagent

import (
	"github.com/pkg/errors"
	"github.com/streadway/amqp"
)

// Queue is the narrow publish/subscribe surface the agent needs; an
// interface so the HTTP handler and the consumer loop can be tested
// against an in-memory fake.
type Queue interface {
	Produce(body []byte) error
	Consume(items chan<- []byte) error
}

// AMQPQueue publishes and consumes from a single named queue on one AMQP
// broker connection per call, declaring the queue as non-durable,
// matching the original agent's defaults (the dispatcher's own pending
// queue is non-durable too; this buffers webhook bursts ahead of it,
// it does not make anything durable end to end).
type AMQPQueue struct {
	URL  string
	Name string
}

// NewAMQPQueue builds a queue bound to url/name with every declare option
// left at its zero value (non-durable, not auto-deleted, non-exclusive,
// blocking declare).
func NewAMQPQueue(url, name string) *AMQPQueue {
	return &AMQPQueue{URL: url, Name: name}
}

func (q *AMQPQueue) Produce(body []byte) error {
	conn, err := amqp.Dial(q.URL)
	if err != nil {
		return errors.Wrap(err, "dial broker")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return errors.Wrap(err, "open channel")
	}
	defer ch.Close()

	queue, err := ch.QueueDeclare(q.Name, false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "declare queue")
	}

	return ch.Publish("", queue.Name, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Consume blocks delivering message bodies onto items until the channel
// from the broker closes or ch.Consume itself errors.
func (q *AMQPQueue) Consume(items chan<- []byte) error {
	conn, err := amqp.Dial(q.URL)
	if err != nil {
		return errors.Wrap(err, "dial broker")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return errors.Wrap(err, "open channel")
	}
	defer ch.Close()

	queue, err := ch.QueueDeclare(q.Name, false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "declare queue")
	}

	deliveries, err := ch.Consume(queue.Name, "", true, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "consume")
	}

	for d := range deliveries {
		items <- d.Body
	}
	return nil
}
