// Package offline buffers outbound messages while the client cannot reach
// the backend and replays them in order once connectivity returns.
package offline

import (
	"context"
	"sync"
	"time"

	"chat-client/pkg/logger"
	"chat-client/storage"

	"github.com/google/uuid"
)

type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// QueuedMessage is owned exclusively by the queue until it reaches a
// terminal state. Callers only ever see copies.
type QueuedMessage struct {
	ID         string
	RoomID     string
	Body       string
	EnqueuedAt time.Time
	Attempts   int
	Status     MessageStatus
}

// State is a read-only snapshot of the queue.
type State struct {
	IsOffline    bool
	LastOnline   *time.Time
	Messages     []QueuedMessage
	QueueSize    int
	MaxQueueSize int
}

// SendFunc delivers one queued message; the session wires it to the REST
// send endpoint.
type SendFunc func(ctx context.Context, roomID, body string) error

// Listener receives queue events. Every field is optional. These callbacks
// are the only way side effects of the queue become observable.
type Listener struct {
	OnOffline       func()
	OnOnline        func()
	OnMessageQueued func(msg QueuedMessage)
	OnMessageSent   func(msg QueuedMessage)
	OnMessageFailed func(msg QueuedMessage, err error)
	OnQueueFull     func()
}

type Queue struct {
	send SendFunc
	log  *logger.Logger

	// isRoomUnreachable decides whether a delivery failure means the whole
	// room is unreachable, in which case replay skips the room's remaining
	// messages for that run.
	isRoomUnreachable func(error) bool

	store storage.Store

	mu         sync.Mutex
	msgs       []*QueuedMessage
	maxSize    int
	offline    bool
	lastOnline *time.Time
	listeners  map[int]Listener
	nextID     int
	processing bool
}

type Option func(*Queue)

func WithMaxQueueSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxSize = n
		}
	}
}

// WithStorage persists the queue so undelivered messages survive a restart.
func WithStorage(st storage.Store) Option {
	return func(q *Queue) { q.store = st }
}

// WithRoomUnreachableCheck installs the error predicate used during replay.
func WithRoomUnreachableCheck(fn func(error) bool) Option {
	return func(q *Queue) { q.isRoomUnreachable = fn }
}

func WithLogger(log *logger.Logger) Option {
	return func(q *Queue) { q.log = log }
}

const defaultMaxQueueSize = 100

func NewQueue(send SendFunc, opts ...Option) *Queue {
	q := &Queue{
		send:      send,
		log:       logger.Named("offline"),
		maxSize:   defaultMaxQueueSize,
		offline:   true,
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.store != nil {
		q.loadPersisted()
	}
	return q
}

func (q *Queue) loadPersisted() {
	records, err := q.store.LoadQueue(context.Background())
	if err != nil {
		q.log.Error("Failed to load persisted queue: %v", err)
		return
	}
	for _, r := range records {
		status := MessageStatus(r.Status)
		// An interrupted delivery from a previous run is pending again.
		if status == StatusSending || status == "" {
			status = StatusPending
		}
		q.msgs = append(q.msgs, &QueuedMessage{
			ID:         r.ID,
			RoomID:     r.RoomID,
			Body:       r.Body,
			EnqueuedAt: r.EnqueuedAt,
			Attempts:   r.Attempts,
			Status:     status,
		})
	}
	if len(q.msgs) > 0 {
		q.log.Info("Restored %d queued messages", len(q.msgs))
	}
}

// Subscribe registers a listener; the returned function unregisters it.
func (q *Queue) Subscribe(l Listener) func() {
	q.mu.Lock()
	id := q.nextID
	q.nextID++
	q.listeners[id] = l
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.listeners, id)
	}
}

// QueueMessage appends a message with status Pending. When the queue is at
// capacity the oldest entry that is not mid-delivery is evicted first, and
// OnQueueFull fires once per eviction.
func (q *Queue) QueueMessage(roomID, body string) QueuedMessage {
	q.mu.Lock()

	evicted := false
	if len(q.msgs) >= q.maxSize {
		for i, m := range q.msgs {
			if m.Status != StatusSending {
				q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
				evicted = true
				break
			}
		}
	}

	msg := &QueuedMessage{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		Body:       body,
		EnqueuedAt: time.Now(),
		Status:     StatusPending,
	}
	q.msgs = append(q.msgs, msg)
	snapshot := *msg
	listeners := q.listenersLocked()
	q.mu.Unlock()

	q.persist()

	if evicted {
		q.log.Info("Queue full, evicted oldest message")
		for _, l := range listeners {
			if l.OnQueueFull != nil {
				l.OnQueueFull()
			}
		}
	}
	for _, l := range listeners {
		if l.OnMessageQueued != nil {
			l.OnMessageQueued(snapshot)
		}
	}
	return snapshot
}

// SetOnline flips the connectivity flag. Coming back online triggers a
// replay of the queue in the background.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	wasOffline := q.offline
	q.offline = !online
	if online {
		now := time.Now()
		q.lastOnline = &now
	}
	listeners := q.listenersLocked()
	q.mu.Unlock()

	if online && wasOffline {
		for _, l := range listeners {
			if l.OnOnline != nil {
				l.OnOnline()
			}
		}
		go q.ProcessQueuedMessages(context.Background())
	} else if !online && !wasOffline {
		for _, l := range listeners {
			if l.OnOffline != nil {
				l.OnOffline()
			}
		}
	}
}

// ProcessQueuedMessages replays Pending and Failed entries sequentially in
// insertion order. A re-entrant call while a run is in flight is a no-op.
// Delivery failures mark the entry Failed and bump its attempt counter;
// replay continues with the next message unless the failure indicates the
// room itself is unreachable, in which case that room's remaining entries
// are skipped for this run.
func (q *Queue) ProcessQueuedMessages(ctx context.Context) {
	q.mu.Lock()
	if q.processing || q.offline || len(q.msgs) == 0 {
		q.mu.Unlock()
		return
	}
	q.processing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
		q.persist()
	}()

	skipRooms := make(map[string]bool)
	attempted := make(map[string]bool)

	for {
		q.mu.Lock()
		if q.offline {
			q.mu.Unlock()
			return
		}
		// Each message gets at most one delivery attempt per run.
		var next *QueuedMessage
		for _, m := range q.msgs {
			if (m.Status == StatusPending || m.Status == StatusFailed) &&
				!attempted[m.ID] && !skipRooms[m.RoomID] {
				next = m
				break
			}
		}
		if next == nil {
			q.mu.Unlock()
			return
		}
		next.Status = StatusSending
		attempted[next.ID] = true
		roomID, body, id := next.RoomID, next.Body, next.ID
		q.mu.Unlock()

		err := q.send(ctx, roomID, body)

		q.mu.Lock()
		if err != nil {
			next.Status = StatusFailed
			next.Attempts++
			snapshot := *next
			listeners := q.listenersLocked()
			q.mu.Unlock()

			q.log.Error("Failed to deliver queued message %s: %v", id, err)
			if q.isRoomUnreachable != nil && q.isRoomUnreachable(err) {
				skipRooms[roomID] = true
			}
			for _, l := range listeners {
				if l.OnMessageFailed != nil {
					l.OnMessageFailed(snapshot, err)
				}
			}
			continue
		}

		next.Status = StatusSent
		q.removeLocked(id)
		snapshot := *next
		listeners := q.listenersLocked()
		q.mu.Unlock()

		q.log.Debug("Delivered queued message %s", id)
		for _, l := range listeners {
			if l.OnMessageSent != nil {
				l.OnMessageSent(snapshot)
			}
		}
	}
}

// RetryFailedMessages re-queues all Failed entries as Pending and replays.
func (q *Queue) RetryFailedMessages(ctx context.Context) {
	q.mu.Lock()
	for _, m := range q.msgs {
		if m.Status == StatusFailed {
			m.Status = StatusPending
		}
	}
	q.mu.Unlock()

	q.persist()
	q.ProcessQueuedMessages(ctx)
}

// ClearQueue drops every entry unconditionally; used on explicit logout.
func (q *Queue) ClearQueue() {
	q.mu.Lock()
	q.msgs = nil
	q.mu.Unlock()
	q.persist()
}

// GetState returns a read-only snapshot.
func (q *Queue) GetState() State {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := make([]QueuedMessage, len(q.msgs))
	for i, m := range q.msgs {
		msgs[i] = *m
	}
	return State{
		IsOffline:    q.offline,
		LastOnline:   q.lastOnline,
		Messages:     msgs,
		QueueSize:    len(q.msgs),
		MaxQueueSize: q.maxSize,
	}
}

func (q *Queue) removeLocked(id string) {
	for i, m := range q.msgs {
		if m.ID == id {
			q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
			return
		}
	}
}

func (q *Queue) listenersLocked() []Listener {
	out := make([]Listener, 0, len(q.listeners))
	for _, l := range q.listeners {
		out = append(out, l)
	}
	return out
}

func (q *Queue) persist() {
	if q.store == nil {
		return
	}
	q.mu.Lock()
	records := make([]storage.QueuedRecord, len(q.msgs))
	for i, m := range q.msgs {
		records[i] = storage.QueuedRecord{
			ID:         m.ID,
			RoomID:     m.RoomID,
			Body:       m.Body,
			EnqueuedAt: m.EnqueuedAt,
			Attempts:   m.Attempts,
			Status:     string(m.Status),
		}
	}
	q.mu.Unlock()

	if err := q.store.SaveQueue(context.Background(), records); err != nil {
		q.log.Error("Failed to persist queue: %v", err)
	}
}
