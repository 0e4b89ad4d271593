package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chat-client/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsServer is a minimal websocket peer that records inbound frames and lets
// tests push outbound ones.
type wsServer struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   []*websocket.Conn
	headers []string

	frames chan models.Envelope
}

func newWSServer() *wsServer {
	return &wsServer{frames: make(chan models.Envelope, 16)}
}

func (s *wsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.headers = append(s.headers, r.Header.Get("Authorization"))
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		s.frames <- env
	}
}

func (s *wsServer) latestConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[len(s.conns)-1]
}

func (s *wsServer) nextFrame(t *testing.T) models.Envelope {
	t.Helper()
	select {
	case env := <-s.frames:
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return models.Envelope{}
	}
}

func newTestAdapter(t *testing.T) (*WSAdapter, *wsServer) {
	t.Helper()
	server := newWSServer()
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	adapter := NewWSAdapter(url)
	t.Cleanup(func() { adapter.Disconnect() })
	return adapter, server
}

func TestConnectSendsBearerToken(t *testing.T) {
	adapter, server := newTestAdapter(t)

	require.NoError(t, adapter.Connect(context.Background(), "tok-123"))

	server.mu.Lock()
	defer server.mu.Unlock()
	require.Len(t, server.headers, 1)
	assert.Equal(t, "Bearer tok-123", server.headers[0])
}

func TestSubscribeSendsControlFrame(t *testing.T) {
	adapter, server := newTestAdapter(t)
	require.NoError(t, adapter.Connect(context.Background(), "tok"))

	ch, err := adapter.SubscribeChannel("room.r1")
	require.NoError(t, err)
	assert.Equal(t, "room.r1", ch.Name())

	frame := server.nextFrame(t)
	assert.Equal(t, "subscribe", frame.Event)
	assert.Equal(t, "room.r1", frame.Channel)
}

func TestIncomingEventsAreRoutedToChannelHandlers(t *testing.T) {
	adapter, server := newTestAdapter(t)
	require.NoError(t, adapter.Connect(context.Background(), "tok"))

	ch, err := adapter.SubscribeChannel("room.r1")
	require.NoError(t, err)
	server.nextFrame(t) // subscribe

	got := make(chan json.RawMessage, 1)
	ch.On(models.EventMessageSent, func(data json.RawMessage) { got <- data })

	payload, _ := json.Marshal(map[string]any{"message": map[string]any{"id": "m1", "body": "hi"}})
	require.NoError(t, server.latestConn().WriteJSON(models.Envelope{
		Event:   models.EventMessageSent,
		Channel: "room.r1",
		Data:    payload,
	}))

	select {
	case data := <-got:
		var p models.MessageSentPayload
		require.NoError(t, json.Unmarshal(data, &p))
		assert.Equal(t, "m1", p.Message.ID)
	case <-time.After(time.Second):
		t.Fatal("handler never received the event")
	}
}

func TestEventsForOtherChannelsAreIgnored(t *testing.T) {
	adapter, server := newTestAdapter(t)
	require.NoError(t, adapter.Connect(context.Background(), "tok"))

	ch, err := adapter.SubscribeChannel("room.r1")
	require.NoError(t, err)
	server.nextFrame(t)

	got := make(chan json.RawMessage, 1)
	ch.On(models.EventMessageSent, func(data json.RawMessage) { got <- data })

	require.NoError(t, server.latestConn().WriteJSON(models.Envelope{
		Event:   models.EventMessageSent,
		Channel: "room.other",
	}))

	select {
	case <-got:
		t.Fatal("handler received an event for another channel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishWritesEnvelope(t *testing.T) {
	adapter, server := newTestAdapter(t)
	require.NoError(t, adapter.Connect(context.Background(), "tok"))

	require.NoError(t, adapter.Publish(context.Background(), "typing", map[string]string{"room": "r1"}))

	frame := server.nextFrame(t)
	assert.Equal(t, "typing", frame.Event)

	var data map[string]string
	require.NoError(t, json.Unmarshal(frame.Data, &data))
	assert.Equal(t, "r1", data["room"])
}

func TestChannelCloseUnsubscribes(t *testing.T) {
	adapter, server := newTestAdapter(t)
	require.NoError(t, adapter.Connect(context.Background(), "tok"))

	ch, err := adapter.SubscribeChannel("room.r1")
	require.NoError(t, err)
	server.nextFrame(t)

	require.NoError(t, ch.Close())
	frame := server.nextFrame(t)
	assert.Equal(t, "unsubscribe", frame.Event)
	assert.Equal(t, "room.r1", frame.Channel)
}

func TestIntentionalDisconnectDoesNotFireOnClose(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	dropped := make(chan error, 1)
	adapter.OnClose(func(err error) { dropped <- err })

	require.NoError(t, adapter.Connect(context.Background(), "tok"))
	require.NoError(t, adapter.Disconnect())
	require.NoError(t, adapter.Disconnect())

	select {
	case <-dropped:
		t.Fatal("OnClose fired for an intentional disconnect")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServerDropFiresOnClose(t *testing.T) {
	adapter, server := newTestAdapter(t)

	dropped := make(chan error, 1)
	adapter.OnClose(func(err error) { dropped <- err })

	require.NoError(t, adapter.Connect(context.Background(), "tok"))
	server.latestConn().Close()

	select {
	case err := <-dropped:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("OnClose never fired after the server dropped the connection")
	}
}

func TestReconnectResubscribesChannels(t *testing.T) {
	adapter, server := newTestAdapter(t)

	dropped := make(chan error, 1)
	adapter.OnClose(func(err error) { dropped <- err })

	require.NoError(t, adapter.Connect(context.Background(), "tok"))
	_, err := adapter.SubscribeChannel("room.r1")
	require.NoError(t, err)
	server.nextFrame(t)

	server.latestConn().Close()
	<-dropped

	require.NoError(t, adapter.Connect(context.Background(), "tok"))
	frame := server.nextFrame(t)
	assert.Equal(t, "subscribe", frame.Event)
	assert.Equal(t, "room.r1", frame.Channel)
}
