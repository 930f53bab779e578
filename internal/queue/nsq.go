package queue

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/pkg/errors"

	"github.com/austindbirch/logharbor/internal/logging"
)

// NSQOptions configures the confirmation consumers
type NSQOptions struct {
	NsqdTCPAddr    string
	LookupHTTPAddr string
	Channel        string
	MsgTimeout     time.Duration // visibility timeout for popped messages
	MaxInFlight    int
	Logger         *logging.Logger
}

// NSQ adapts nsq topics to the pop/delete queue model. Each queue URI is a
// topic name; messages are buffered by the handler until popped, and are
// finished on delete.
type NSQ struct {
	opts NSQOptions
	subs map[string]*subscription
}

type subscription struct {
	topic    string
	consumer *nsq.Consumer
	timeout  time.Duration

	mu       sync.Mutex
	buffered []*nsq.Message
	inflight map[string]*nsq.Message
}

// NewNSQ creates one consumer per topic and connects it
func NewNSQ(opts NSQOptions, topics ...string) (*NSQ, error) {
	if opts.Logger == nil {
		opts.Logger = logging.New("queue")
	}
	if opts.MsgTimeout <= 0 {
		opts.MsgTimeout = 30 * time.Second
	}
	q := &NSQ{opts: opts, subs: make(map[string]*subscription)}
	for _, topic := range topics {
		conf := nsq.NewConfig()
		conf.MsgTimeout = opts.MsgTimeout
		if opts.MaxInFlight > 0 {
			conf.MaxInFlight = opts.MaxInFlight
		}
		consumer, err := nsq.NewConsumer(topic, opts.Channel, conf)
		if err != nil {
			q.Stop()
			return nil, errors.Wrapf(err, "create consumer for %s", topic)
		}
		consumer.SetLogger(opts.Logger.StdLog(), nsq.LogLevelWarning)

		sub := newSubscription(topic, opts.MsgTimeout)
		sub.consumer = consumer
		consumer.AddHandler(sub)
		q.subs[topic] = sub

		// Connecting directly to nsqd forces channel creation
		if opts.NsqdTCPAddr != "" {
			if err := consumer.ConnectToNSQD(opts.NsqdTCPAddr); err != nil {
				q.Stop()
				return nil, errors.Wrapf(err, "connect %s to nsqd", topic)
			}
		}
		if opts.LookupHTTPAddr != "" {
			if err := consumer.ConnectToNSQLookupd(opts.LookupHTTPAddr); err != nil {
				q.Stop()
				return nil, errors.Wrapf(err, "connect %s to lookupd", topic)
			}
		}
	}
	return q, nil
}

func newSubscription(topic string, timeout time.Duration) *subscription {
	return &subscription{
		topic:    topic,
		timeout:  timeout,
		inflight: make(map[string]*nsq.Message),
	}
}

// HandleMessage buffers the message; the tracker decides when to finish it
func (s *subscription) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	s.mu.Lock()
	s.buffered = append(s.buffered, m)
	s.mu.Unlock()
	return nil
}

func (s *subscription) pop(max int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := min(max, len(s.buffered))
	out := make([]Message, 0, n)
	for _, m := range s.buffered[:n] {
		id := messageID(m)
		s.inflight[id] = m
		out = append(out, Message{
			ID:           id,
			Body:         m.Body,
			InsertedAt:   time.Unix(0, m.Timestamp),
			DequeueCount: int(m.Attempts),
		})
	}
	s.buffered = append(s.buffered[:0], s.buffered[n:]...)
	return out
}

func (s *subscription) take(id string) (*nsq.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.inflight[id]
	if ok {
		delete(s.inflight, id)
	}
	return m, ok
}

func (q *NSQ) sub(queueURI string) (*subscription, error) {
	s, ok := q.subs[queueURI]
	if !ok {
		return nil, errors.Errorf("queue: no consumer for topic %q", queueURI)
	}
	return s, nil
}

func (q *NSQ) PopMessages(ctx context.Context, queueURI string, max int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := q.sub(queueURI)
	if err != nil {
		return nil, err
	}
	return s.pop(max), nil
}

// DeleteMessage finishes the message on nsqd
func (q *NSQ) DeleteMessage(ctx context.Context, queueURI string, msg Message) error {
	s, err := q.sub(queueURI)
	if err != nil {
		return err
	}
	m, ok := s.take(msg.ID)
	if !ok {
		return errors.Wrapf(ErrMessageNotFound, "%s in %s", msg.ID, queueURI)
	}
	m.Finish()
	return nil
}

// ReleaseMessage hands an unmatched message back to nsqd, to be redelivered
// after the visibility timeout
func (q *NSQ) ReleaseMessage(ctx context.Context, queueURI string, msg Message) error {
	s, err := q.sub(queueURI)
	if err != nil {
		return err
	}
	m, ok := s.take(msg.ID)
	if !ok {
		return errors.Wrapf(ErrMessageNotFound, "%s in %s", msg.ID, queueURI)
	}
	m.RequeueWithoutBackoff(s.timeout)
	return nil
}

// Len is the number of messages buffered and not yet popped
func (q *NSQ) Len(queueURI string) int {
	s, ok := q.subs[queueURI]
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffered)
}

// Stop stops every consumer and waits for them to drain
func (q *NSQ) Stop() {
	for _, s := range q.subs {
		if s.consumer == nil {
			continue
		}
		s.consumer.Stop()
		<-s.consumer.StopChan
	}
}

func messageID(m *nsq.Message) string {
	return hex.EncodeToString(m.ID[:])
}
