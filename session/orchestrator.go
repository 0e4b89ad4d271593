// Package session orchestrates one room at a time: join/leave, paginated
// history, presence, and send with offline fallback. It composes the
// connection monitor, the offline queue, the token-aware REST client and the
// transport adapter into the API the UI layer consumes.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"chat-client/connection"
	"chat-client/models"
	"chat-client/offline"
	"chat-client/pkg/logger"
	"chat-client/rest"
	"chat-client/transport"

	"golang.org/x/sync/errgroup"
)

// ErrSuperseded is returned when a join was overtaken by a newer join or
// leave before its results could be committed.
var ErrSuperseded = errors.New("operation superseded by a newer room switch")

// ValidationError rejects bad input locally; it never reaches the network
// or the offline queue.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Handlers are the orchestrator's outbound callbacks toward the UI layer.
// All fields are optional.
type Handlers struct {
	OnNewMessage func(msg models.ChatMessage)
	OnUserJoined func(user models.User)
	OnUserLeft   func(user models.User)
	OnError      func(err error)
}

type Orchestrator struct {
	rest     *rest.Client
	monitor  *connection.Monitor
	queue    *offline.Queue
	adapter  transport.Adapter
	log      *logger.Logger
	perPage  int
	handlers Handlers

	mu sync.Mutex
	// epoch increments on every join/leave; async results are committed
	// only while the epoch they were started under is still current.
	epoch       uint64
	rooms       []models.ChatRoom
	current     *models.ChatRoom
	messages    []models.ChatMessage
	seen        map[string]struct{}
	page        int
	lastPage    int
	hasMore     bool
	loadingMore bool
	online      map[string]models.User
	channel     transport.Channel

	unsubMonitor func()
}

type Option func(*Orchestrator)

func WithPerPage(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.perPage = n
		}
	}
}

func WithHandlers(h Handlers) Option {
	return func(o *Orchestrator) { o.handlers = h }
}

func WithLogger(log *logger.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

const defaultPerPage = 50

func New(restClient *rest.Client, monitor *connection.Monitor, queue *offline.Queue, adapter transport.Adapter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		rest:    restClient,
		monitor: monitor,
		queue:   queue,
		adapter: adapter,
		log:     logger.Named("session"),
		perPage: defaultPerPage,
		seen:    make(map[string]struct{}),
		online:  make(map[string]models.User),
	}
	for _, opt := range opts {
		opt(o)
	}

	// Connection transitions drive the offline queue: entering Connected
	// flushes it, losing the connection marks it offline.
	o.unsubMonitor = monitor.Subscribe(func(info connection.Info) {
		switch info.Status {
		case connection.StatusConnected:
			queue.SetOnline(true)
		case connection.StatusDisconnected, connection.StatusRetrying, connection.StatusError:
			queue.SetOnline(false)
		}
		if info.Status == connection.StatusError && info.LastError != nil && o.handlers.OnError != nil {
			o.handlers.OnError(info.LastError)
		}
	})
	return o
}

// Close detaches the orchestrator from the monitor and leaves any active
// room. Safe to call from a teardown path more than once.
func (o *Orchestrator) Close() {
	if o.unsubMonitor != nil {
		o.unsubMonitor()
		o.unsubMonitor = nil
	}
	o.LeaveRoom(context.Background())
}

// LoadRooms refreshes the room directory.
func (o *Orchestrator) LoadRooms(ctx context.Context) ([]models.ChatRoom, error) {
	rooms, err := o.rest.ListRooms(ctx)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.rooms = rooms
	o.mu.Unlock()
	return rooms, nil
}

// CreateRoom creates a room and adds it to the cached directory.
func (o *Orchestrator) CreateRoom(ctx context.Context, req *models.CreateRoomRequest) (*models.ChatRoom, error) {
	room, err := o.rest.CreateRoom(ctx, req)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.rooms = append(o.rooms, *room)
	o.mu.Unlock()
	return room, nil
}

// JoinRoom switches the session to roomID. Joining the room that is already
// current is an idempotent no-op and performs no network calls. Otherwise
// any active room is left first, then: REST join, session reset, transport
// connect, channel subscribe, and a concurrent fetch of the first history
// page and the online user list. The fetched results are committed only if
// no newer join or leave happened in between.
func (o *Orchestrator) JoinRoom(ctx context.Context, roomID string) (bool, error) {
	o.mu.Lock()
	if o.current != nil && o.current.ID == roomID {
		o.mu.Unlock()
		return true, nil
	}
	o.epoch++
	epoch := o.epoch
	prev := o.current
	prevChannel := o.channel
	o.current = nil
	o.channel = nil
	o.mu.Unlock()

	if prev != nil {
		o.teardown(ctx, prev, prevChannel)
	}

	if err := o.rest.JoinRoom(ctx, roomID); err != nil {
		o.log.Error("Failed to join room %s: %v", roomID, err)
		return false, err
	}

	room, err := o.findRoom(ctx, roomID)
	if err != nil {
		return false, err
	}

	// Reset the working set for the new room.
	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		return false, ErrSuperseded
	}
	o.current = room
	o.messages = nil
	o.seen = make(map[string]struct{})
	o.page = 0
	o.lastPage = 0
	o.hasMore = true
	o.loadingMore = false
	o.online = make(map[string]models.User)
	o.mu.Unlock()

	if err := o.monitor.Connect(ctx); err != nil {
		o.abortJoin(epoch)
		return false, err
	}

	ch, err := o.adapter.SubscribeChannel(models.ChannelName(roomID))
	if err != nil {
		o.abortJoin(epoch)
		return false, err
	}
	o.bindChannel(ch, epoch, roomID)

	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		ch.Close()
		return false, ErrSuperseded
	}
	o.channel = ch
	o.mu.Unlock()

	var (
		firstPage *rest.MessagePage
		users     []models.User
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var ferr error
		firstPage, ferr = o.rest.Messages(gctx, roomID, 1, o.perPage)
		return ferr
	})
	g.Go(func() error {
		var uerr error
		users, uerr = o.rest.OnlineUsers(gctx, roomID)
		return uerr
	})
	if err := g.Wait(); err != nil {
		o.abortJoin(epoch)
		return false, err
	}

	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		return false, ErrSuperseded
	}
	o.commitPageLocked(firstPage, false)
	for _, u := range users {
		o.online[u.ID] = u
	}
	o.mu.Unlock()

	o.log.Info("Joined room %s", roomID)
	return true, nil
}

// abortJoin clears the half-opened session so a failed join never leaves a
// partially populated room behind.
func (o *Orchestrator) abortJoin(epoch uint64) {
	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		return
	}
	ch := o.channel
	o.current = nil
	o.channel = nil
	o.messages = nil
	o.hasMore = false
	o.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
}

// LeaveRoom leaves the current room. The REST leave call is best-effort: a
// failure is logged, never surfaced, because the local session is torn down
// regardless.
func (o *Orchestrator) LeaveRoom(ctx context.Context) {
	o.mu.Lock()
	room := o.current
	ch := o.channel
	if room == nil {
		o.mu.Unlock()
		return
	}
	o.epoch++
	o.current = nil
	o.channel = nil
	o.messages = nil
	o.seen = make(map[string]struct{})
	o.online = make(map[string]models.User)
	o.hasMore = false
	o.mu.Unlock()

	o.teardown(ctx, room, ch)
	o.monitor.Disconnect()
}

func (o *Orchestrator) teardown(ctx context.Context, room *models.ChatRoom, ch transport.Channel) {
	if err := o.rest.LeaveRoom(ctx, room.ID); err != nil {
		o.log.Error("Failed to leave room %s via API: %v", room.ID, err)
	}
	if ch != nil {
		ch.Close()
	}
	o.log.Info("Left room %s", room.ID)
}

// SendMessage delivers a message, or queues it when delivery is impossible.
// An empty or whitespace-only body is rejected locally. Every other message
// ends up either delivered or in the offline queue; the single exception is
// a mute rejection, which must not be replayed later.
func (o *Orchestrator) SendMessage(ctx context.Context, roomID, body string) models.SendResult {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return models.SendResult{Err: &ValidationError{Message: "message body is empty"}}
	}

	if o.monitor.Status() != connection.StatusConnected {
		o.queue.QueueMessage(roomID, trimmed)
		return models.SendResult{Queued: true}
	}

	sent, err := o.rest.SendMessage(ctx, roomID, trimmed)
	if err != nil {
		if rest.IsMuted(err) {
			o.log.Info("Send rejected, user muted: %v", err)
			return models.SendResult{Err: err}
		}
		o.log.Error("Send failed, queueing message: %v", err)
		o.queue.QueueMessage(roomID, trimmed)
		return models.SendResult{Queued: true, Err: err}
	}

	// The channel push for our own message may arrive too; appendMessage
	// dedups either way.
	o.appendMessage(*sent)
	return models.SendResult{Success: true, Message: sent}
}

// LoadMoreMessages fetches the next older history page and prepends it.
// It is a no-op when there is nothing more to load or a load is in flight.
func (o *Orchestrator) LoadMoreMessages(ctx context.Context) error {
	o.mu.Lock()
	if o.current == nil || !o.hasMore || o.loadingMore {
		o.mu.Unlock()
		return nil
	}
	o.loadingMore = true
	epoch := o.epoch
	roomID := o.current.ID
	next := o.page + 1
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.loadingMore = false
		o.mu.Unlock()
	}()

	pg, err := o.rest.Messages(ctx, roomID, next, o.perPage)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch != epoch {
		return nil
	}
	o.commitPageLocked(pg, true)
	return nil
}

// commitPageLocked stores one fetched page. The backend sends pages
// most-recent-first; they are reversed to ascending createdAt here and
// deduplicated against everything already present. Older pages are
// prepended so the list stays sorted.
func (o *Orchestrator) commitPageLocked(pg *rest.MessagePage, prepend bool) {
	fresh := make([]models.ChatMessage, 0, len(pg.Data))
	for i := len(pg.Data) - 1; i >= 0; i-- {
		msg := pg.Data[i]
		if _, dup := o.seen[msg.ID]; dup {
			continue
		}
		o.seen[msg.ID] = struct{}{}
		fresh = append(fresh, msg)
	}
	if prepend {
		o.messages = append(fresh, o.messages...)
	} else {
		o.messages = append(o.messages, fresh...)
	}
	o.page = pg.CurrentPage
	o.lastPage = pg.LastPage
	o.hasMore = pg.CurrentPage < pg.LastPage
}

// appendMessage is the single de-duplication point for incoming messages,
// applied uniformly to channel pushes and REST responses. It reports
// whether the message was new.
func (o *Orchestrator) appendMessage(msg models.ChatMessage) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, dup := o.seen[msg.ID]; dup {
		return false
	}
	o.seen[msg.ID] = struct{}{}
	o.messages = append(o.messages, msg)
	return true
}

func (o *Orchestrator) findRoom(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	o.mu.Lock()
	for i := range o.rooms {
		if o.rooms[i].ID == roomID {
			room := o.rooms[i]
			o.mu.Unlock()
			return &room, nil
		}
	}
	o.mu.Unlock()

	rooms, err := o.LoadRooms(ctx)
	if err != nil {
		return nil, err
	}
	for i := range rooms {
		if rooms[i].ID == roomID {
			room := rooms[i]
			return &room, nil
		}
	}
	return nil, fmt.Errorf("room %s not found", roomID)
}

// bindChannel attaches the push-event handlers for one room. Every handler
// re-checks that its epoch is still current before touching shared state,
// so events for a room that was already left are discarded.
func (o *Orchestrator) bindChannel(ch transport.Channel, epoch uint64, roomID string) {
	ch.On(models.EventMessageSent, func(data json.RawMessage) {
		if !o.isCurrent(epoch) {
			return
		}
		var p models.MessageSentPayload
		if err := json.Unmarshal(data, &p); err != nil {
			o.log.Error("Discarding unparseable message event: %v", err)
			return
		}
		if o.appendMessage(p.Message) && o.handlers.OnNewMessage != nil {
			o.handlers.OnNewMessage(p.Message)
		}
	})

	ch.On(models.EventUserJoined, func(data json.RawMessage) {
		if !o.isCurrent(epoch) {
			return
		}
		var p models.PresencePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		o.mu.Lock()
		_, present := o.online[p.User.ID]
		if !present {
			o.online[p.User.ID] = p.User
		}
		o.mu.Unlock()
		// A duplicate joined event for a user already present is a no-op.
		if !present && o.handlers.OnUserJoined != nil {
			o.handlers.OnUserJoined(p.User)
		}
	})

	ch.On(models.EventUserLeft, func(data json.RawMessage) {
		if !o.isCurrent(epoch) {
			return
		}
		var p models.PresencePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		o.mu.Lock()
		_, present := o.online[p.User.ID]
		delete(o.online, p.User.ID)
		o.mu.Unlock()
		if present && o.handlers.OnUserLeft != nil {
			o.handlers.OnUserLeft(p.User)
		}
	})

	ch.On(models.EventSubscriptionSucceeded, func(json.RawMessage) {
		o.log.Debug("Subscribed to channel for room %s", roomID)
	})

	ch.On(models.EventSubscriptionError, func(data json.RawMessage) {
		var p models.SubscriptionErrorPayload
		if err := json.Unmarshal(data, &p); err != nil {
			p.Reason = string(data)
		}
		o.log.Error("Subscription error for room %s: %s", roomID, p.Reason)
		if o.handlers.OnError != nil {
			o.handlers.OnError(fmt.Errorf("subscription failed for room %s: %s", roomID, p.Reason))
		}
	})
}

func (o *Orchestrator) isCurrent(epoch uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.epoch == epoch
}

// RetryFailedMessages re-queues failed offline messages and replays them.
func (o *Orchestrator) RetryFailedMessages(ctx context.Context) {
	o.queue.RetryFailedMessages(ctx)
}

// ClearOfflineQueue drops all queued messages; used on explicit logout.
func (o *Orchestrator) ClearOfflineQueue() {
	o.queue.ClearQueue()
}

// ForceReconnect bypasses the backoff wait after repeated failures.
func (o *Orchestrator) ForceReconnect(ctx context.Context) error {
	return o.monitor.ForceReconnect(ctx)
}

// CurrentRoom returns the active room, or nil.
func (o *Orchestrator) CurrentRoom() *models.ChatRoom {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return nil
	}
	room := *o.current
	return &room
}

// Messages returns the session's messages ordered by createdAt ascending.
func (o *Orchestrator) Messages() []models.ChatMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.ChatMessage(nil), o.messages...)
}

// OnlineUsers returns the present users of the current room.
func (o *Orchestrator) OnlineUsers() []models.User {
	o.mu.Lock()
	defer o.mu.Unlock()
	users := make([]models.User, 0, len(o.online))
	for _, u := range o.online {
		users = append(users, u)
	}
	return users
}

// HasMoreMessages reports whether older history pages remain.
func (o *Orchestrator) HasMoreMessages() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hasMore
}

// IsConnected reports whether the transport is currently connected.
func (o *Orchestrator) IsConnected() bool {
	return o.monitor.Status() == connection.StatusConnected
}

// ConnectionInfo exposes the monitor snapshot for UI rendering.
func (o *Orchestrator) ConnectionInfo() connection.Info {
	return o.monitor.GetInfo()
}

// OfflineState exposes the queue snapshot for UI rendering.
func (o *Orchestrator) OfflineState() offline.State {
	return o.queue.GetState()
}
