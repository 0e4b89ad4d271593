package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"chat-client/models"
	"chat-client/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 54 * time.Second
)

// WSAdapter is the gorilla/websocket implementation of Adapter. Events are
// framed as models.Envelope in both directions; channel subscriptions are
// expressed with "subscribe"/"unsubscribe" control events.
type WSAdapter struct {
	url    string
	dialer *websocket.Dialer
	log    *logger.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	closed   bool
	channels map[string]*wsChannel
	onClose  func(error)
}

func NewWSAdapter(url string) *WSAdapter {
	return &WSAdapter{
		url:      url,
		dialer:   websocket.DefaultDialer,
		log:      logger.Named("transport"),
		closed:   true,
		channels: make(map[string]*wsChannel),
	}
}

func (a *WSAdapter) OnClose(fn func(err error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onClose = fn
}

func (a *WSAdapter) Connect(ctx context.Context, token string) error {
	a.mu.Lock()
	if a.conn != nil {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := a.dialer.DialContext(ctx, a.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.send = make(chan []byte, 256)
	a.done = make(chan struct{})
	a.closed = false
	resubscribe := make([]string, 0, len(a.channels))
	for name := range a.channels {
		resubscribe = append(resubscribe, name)
	}
	a.mu.Unlock()

	go a.readPump(conn)
	go a.writePump(conn)

	// Channels registered before a drop are subscribed again on reconnect.
	for _, name := range resubscribe {
		if err := a.sendControl("subscribe", name); err != nil {
			a.log.Error("Failed to resubscribe channel %s: %v", name, err)
		}
	}

	a.log.Info("Transport connected to %s", a.url)
	return nil
}

func (a *WSAdapter) SubscribeChannel(name string) (Channel, error) {
	a.mu.Lock()
	if ch, ok := a.channels[name]; ok {
		a.mu.Unlock()
		return ch, nil
	}
	ch := &wsChannel{name: name, adapter: a, handlers: make(map[string]Handler)}
	a.channels[name] = ch
	connected := a.conn != nil
	a.mu.Unlock()

	if connected {
		if err := a.sendControl("subscribe", name); err != nil {
			return nil, err
		}
	}
	return ch, nil
}

func (a *WSAdapter) Publish(_ context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return a.write(models.Envelope{Event: event, Data: data})
}

// Disconnect tears down the connection. Calling it twice is a no-op, and the
// OnClose hook never fires for an intentional disconnect.
func (a *WSAdapter) Disconnect() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	conn := a.conn
	a.conn = nil
	close(a.done)
	a.mu.Unlock()

	if conn != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
	a.log.Info("Transport disconnected")
	return nil
}

func (a *WSAdapter) sendControl(event, channel string) error {
	return a.write(models.Envelope{Event: event, Channel: channel})
}

func (a *WSAdapter) write(env models.Envelope) error {
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	a.mu.Lock()
	if a.closed || a.conn == nil {
		a.mu.Unlock()
		return fmt.Errorf("transport not connected")
	}
	send, done := a.send, a.done
	a.mu.Unlock()

	select {
	case send <- frame:
		return nil
	case <-done:
		return fmt.Errorf("transport not connected")
	}
}

func (a *WSAdapter) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			a.handleDrop(conn, err)
			return
		}

		var env models.Envelope
		if jerr := json.Unmarshal(frame, &env); jerr != nil {
			a.log.Error("Discarding unparseable frame: %v", jerr)
			continue
		}
		a.dispatch(env)
	}
}

func (a *WSAdapter) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	a.mu.Lock()
	send, done := a.send, a.done
	a.mu.Unlock()

	for {
		select {
		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				a.log.Error("Write error: %v", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// handleDrop runs when the read pump fails. If the connection was closed via
// Disconnect this is the expected shutdown path; otherwise the drop is
// reported through OnClose so the connection monitor can start recovery.
func (a *WSAdapter) handleDrop(conn *websocket.Conn, err error) {
	a.mu.Lock()
	if a.closed || a.conn != conn {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.conn = nil
	close(a.done)
	onClose := a.onClose
	a.mu.Unlock()

	conn.Close()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		a.log.Error("Transport connection dropped: %v", err)
	}
	if onClose != nil {
		onClose(err)
	}
}

func (a *WSAdapter) dispatch(env models.Envelope) {
	a.mu.Lock()
	ch, ok := a.channels[env.Channel]
	a.mu.Unlock()
	if !ok {
		return
	}
	ch.deliver(env.Event, env.Data)
}

func (a *WSAdapter) removeChannel(name string) error {
	a.mu.Lock()
	_, ok := a.channels[name]
	delete(a.channels, name)
	connected := a.conn != nil
	a.mu.Unlock()

	if ok && connected {
		return a.sendControl("unsubscribe", name)
	}
	return nil
}

type wsChannel struct {
	name    string
	adapter *WSAdapter

	mu       sync.RWMutex
	handlers map[string]Handler
}

func (c *wsChannel) Name() string { return c.name }

func (c *wsChannel) On(event string, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = fn
}

func (c *wsChannel) Off(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, event)
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	c.handlers = make(map[string]Handler)
	c.mu.Unlock()
	return c.adapter.removeChannel(c.name)
}

func (c *wsChannel) deliver(event string, data json.RawMessage) {
	c.mu.RLock()
	fn, ok := c.handlers[event]
	c.mu.RUnlock()
	if ok {
		fn(data)
	}
}
