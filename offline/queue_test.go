package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chat-client/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSender collects delivered messages and fails the rooms it is told
// to fail.
type recordingSender struct {
	mu        sync.Mutex
	delivered []string
	failRooms map[string]error
}

func (r *recordingSender) send(ctx context.Context, roomID, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.failRooms[roomID]; ok {
		return err
	}
	r.delivered = append(r.delivered, body)
	return nil
}

func (r *recordingSender) deliveredBodies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.delivered...)
}

func TestQueueMessageAddsPending(t *testing.T) {
	sender := &recordingSender{}
	q := NewQueue(sender.send)

	var queued []QueuedMessage
	q.Subscribe(Listener{
		OnMessageQueued: func(msg QueuedMessage) { queued = append(queued, msg) },
	})

	msg := q.QueueMessage("room-1", "hello")

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, StatusPending, msg.Status)
	assert.Equal(t, "room-1", msg.RoomID)
	require.Len(t, queued, 1)
	assert.Equal(t, msg.ID, queued[0].ID)

	state := q.GetState()
	assert.True(t, state.IsOffline)
	assert.Equal(t, 1, state.QueueSize)
}

func TestQueueEvictsOldestWhenFull(t *testing.T) {
	sender := &recordingSender{}
	q := NewQueue(sender.send)

	var full atomic.Int32
	q.Subscribe(Listener{
		OnQueueFull: func() { full.Add(1) },
	})

	// One past the default cap of 100.
	first := q.QueueMessage("room-1", "msg-0")
	for i := 1; i <= 100; i++ {
		q.QueueMessage("room-1", fmt.Sprintf("msg-%d", i))
	}

	state := q.GetState()
	assert.Equal(t, 100, state.QueueSize)
	assert.Equal(t, int32(1), full.Load())
	for _, m := range state.Messages {
		assert.NotEqual(t, first.ID, m.ID)
	}
	assert.Equal(t, "msg-1", state.Messages[0].Body)
	assert.Equal(t, "msg-100", state.Messages[99].Body)
}

func TestQueueNeverEvictsMessageMidDelivery(t *testing.T) {
	sender := &recordingSender{}
	q := NewQueue(sender.send, WithMaxQueueSize(2))

	sending := q.QueueMessage("room-1", "in flight")
	q.QueueMessage("room-1", "waiting")

	// Simulate a delivery in progress for the oldest entry.
	q.mu.Lock()
	q.msgs[0].Status = StatusSending
	q.mu.Unlock()

	q.QueueMessage("room-1", "newest")

	state := q.GetState()
	require.Equal(t, 2, state.QueueSize)
	assert.Equal(t, sending.ID, state.Messages[0].ID)
	assert.Equal(t, "newest", state.Messages[1].Body)
}

func TestGoingOnlineDrainsQueueInOrder(t *testing.T) {
	sender := &recordingSender{}
	q := NewQueue(sender.send)

	var sent []string
	var mu sync.Mutex
	q.Subscribe(Listener{
		OnMessageSent: func(msg QueuedMessage) {
			mu.Lock()
			sent = append(sent, msg.Body)
			mu.Unlock()
		},
	})

	q.QueueMessage("room-1", "one")
	q.QueueMessage("room-1", "two")
	q.QueueMessage("room-1", "three")

	q.SetOnline(true)

	require.Eventually(t, func() bool {
		return q.GetState().QueueSize == 0
	}, time.Second, time.Millisecond)

	assert.Equal(t, []string{"one", "two", "three"}, sender.deliveredBodies())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two", "three"}, sent)
}

func TestProcessIsNotReentrant(t *testing.T) {
	var active, maxActive atomic.Int32
	release := make(chan struct{})
	send := func(ctx context.Context, roomID, body string) error {
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		<-release
		active.Add(-1)
		return nil
	}
	q := NewQueue(send)
	q.QueueMessage("room-1", "one")
	q.QueueMessage("room-1", "two")

	q.SetOnline(true)
	// A second replay while one is in flight must be a no-op.
	go q.ProcessQueuedMessages(context.Background())
	go q.ProcessQueuedMessages(context.Background())

	time.Sleep(10 * time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		return q.GetState().QueueSize == 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestProcessWhileOfflineIsNoop(t *testing.T) {
	sender := &recordingSender{}
	q := NewQueue(sender.send)
	q.QueueMessage("room-1", "held")

	q.ProcessQueuedMessages(context.Background())

	assert.Empty(t, sender.deliveredBodies())
	assert.Equal(t, 1, q.GetState().QueueSize)
}

func TestDeliveryFailureKeepsMessageAndContinues(t *testing.T) {
	sender := &recordingSender{failRooms: map[string]error{}}
	q := NewQueue(sender.send)

	var failed []QueuedMessage
	var mu sync.Mutex
	q.Subscribe(Listener{
		OnMessageFailed: func(msg QueuedMessage, err error) {
			mu.Lock()
			failed = append(failed, msg)
			mu.Unlock()
		},
	})

	sender.failRooms["room-bad"] = errors.New("server error")
	q.QueueMessage("room-bad", "doomed")
	q.QueueMessage("room-ok", "fine")

	q.SetOnline(true)

	require.Eventually(t, func() bool {
		return len(sender.deliveredBodies()) == 1
	}, time.Second, time.Millisecond)

	state := q.GetState()
	require.Equal(t, 1, state.QueueSize)
	assert.Equal(t, StatusFailed, state.Messages[0].Status)
	assert.Equal(t, 1, state.Messages[0].Attempts)

	mu.Lock()
	require.Len(t, failed, 1)
	assert.Equal(t, "doomed", failed[0].Body)
	mu.Unlock()
}

func TestUnreachableRoomIsSkippedForTheRun(t *testing.T) {
	unreachable := errors.New("room gone")
	sender := &recordingSender{failRooms: map[string]error{"room-gone": unreachable}}
	q := NewQueue(sender.send, WithRoomUnreachableCheck(func(err error) bool {
		return errors.Is(err, unreachable)
	}))

	q.QueueMessage("room-gone", "a1")
	q.QueueMessage("room-gone", "a2")
	q.QueueMessage("room-ok", "b1")

	q.SetOnline(true)

	require.Eventually(t, func() bool {
		return len(sender.deliveredBodies()) == 1
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return q.GetState().QueueSize == 2
	}, time.Second, time.Millisecond)

	// Only the first message of the unreachable room was attempted; the
	// second stays pending for a later run.
	state := q.GetState()
	assert.Equal(t, StatusFailed, state.Messages[0].Status)
	assert.Equal(t, StatusPending, state.Messages[1].Status)
	assert.Equal(t, []string{"b1"}, sender.deliveredBodies())
}

func TestRetryFailedMessages(t *testing.T) {
	sender := &recordingSender{failRooms: map[string]error{"room-1": errors.New("boom")}}
	q := NewQueue(sender.send)

	q.QueueMessage("room-1", "flaky")
	q.SetOnline(true)

	require.Eventually(t, func() bool {
		state := q.GetState()
		return state.QueueSize == 1 && state.Messages[0].Status == StatusFailed
	}, time.Second, time.Millisecond)

	// The server recovers; a manual retry delivers the message.
	sender.mu.Lock()
	delete(sender.failRooms, "room-1")
	sender.mu.Unlock()

	q.RetryFailedMessages(context.Background())

	require.Eventually(t, func() bool {
		return q.GetState().QueueSize == 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"flaky"}, sender.deliveredBodies())
}

func TestClearQueue(t *testing.T) {
	sender := &recordingSender{}
	q := NewQueue(sender.send)
	q.QueueMessage("room-1", "one")
	q.QueueMessage("room-1", "two")

	q.ClearQueue()

	assert.Equal(t, 0, q.GetState().QueueSize)
}

func TestOnlineOfflineNotifications(t *testing.T) {
	sender := &recordingSender{}
	q := NewQueue(sender.send)

	var events []string
	var mu sync.Mutex
	q.Subscribe(Listener{
		OnOnline: func() {
			mu.Lock()
			events = append(events, "online")
			mu.Unlock()
		},
		OnOffline: func() {
			mu.Lock()
			events = append(events, "offline")
			mu.Unlock()
		},
	})

	q.SetOnline(true)
	q.SetOnline(true) // no transition, no event
	q.SetOnline(false)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"online", "offline"}, events)

	state := q.GetState()
	assert.True(t, state.IsOffline)
	assert.NotNil(t, state.LastOnline)
}

func TestQueueSurvivesRestart(t *testing.T) {
	store := storage.NewMemoryStore()
	sender := &recordingSender{}

	q := NewQueue(sender.send, WithStorage(store))
	q.QueueMessage("room-1", "durable")

	// A message caught mid-delivery by a crash must come back as pending.
	q.mu.Lock()
	q.msgs[0].Status = StatusSending
	q.mu.Unlock()
	q.persist()

	restarted := NewQueue(sender.send, WithStorage(store))
	state := restarted.GetState()
	require.Equal(t, 1, state.QueueSize)
	assert.Equal(t, "durable", state.Messages[0].Body)
	assert.Equal(t, StatusPending, state.Messages[0].Status)
}
