package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrMessageNotFound is returned when deleting a message that is no longer
// in the queue
var ErrMessageNotFound = errors.New("queue: message not found")

// Message is one notification popped from a queue
type Message struct {
	ID           string
	Body         []byte
	InsertedAt   time.Time
	DequeueCount int
}

type entry struct {
	msg       Message
	visibleAt time.Time
}

// Memory is an in-process queue keyed by URI. Popped messages stay hidden
// for the visibility timeout and reappear unless deleted.
type Memory struct {
	mu         sync.Mutex
	queues     map[string][]*entry
	visibility time.Duration
	seq        uint64
	now        func() time.Time
}

func NewMemory(visibility time.Duration) *Memory {
	return &Memory{
		queues:     make(map[string][]*entry),
		visibility: visibility,
		now:        time.Now,
	}
}

// Push appends a message inserted now
func (m *Memory) Push(queueURI string, body []byte) Message {
	return m.PushAt(queueURI, body, m.now())
}

// PushAt appends a message with an explicit insertion time
func (m *Memory) PushAt(queueURI string, body []byte, insertedAt time.Time) Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	msg := Message{
		ID:         queueURI + "-" + strconv.FormatUint(m.seq, 10),
		Body:       body,
		InsertedAt: insertedAt,
	}
	m.queues[queueURI] = append(m.queues[queueURI], &entry{msg: msg})
	return msg
}

func (m *Memory) PopMessages(ctx context.Context, queueURI string, max int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []Message
	for _, e := range m.queues[queueURI] {
		if len(out) >= max {
			break
		}
		if e.visibleAt.After(now) {
			continue
		}
		e.visibleAt = now.Add(m.visibility)
		e.msg.DequeueCount++
		out = append(out, e.msg)
	}
	return out, nil
}

func (m *Memory) DeleteMessage(ctx context.Context, queueURI string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.queues[queueURI]
	for i, e := range entries {
		if e.msg.ID == msg.ID {
			m.queues[queueURI] = append(entries[:i], entries[i+1:]...)
			return nil
		}
	}
	return errors.Wrapf(ErrMessageNotFound, "%s in %s", msg.ID, queueURI)
}

// Len counts messages in the queue, visible or not
func (m *Memory) Len(queueURI string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queueURI])
}
