// Package chatclient assembles the chat client from its parts: durable
// storage, token store, websocket transport, connection monitor, offline
// queue, REST client and the room session orchestrator.
package chatclient

import (
	"context"
	"fmt"

	"chat-client/config"
	"chat-client/connection"
	"chat-client/models"
	"chat-client/offline"
	"chat-client/pkg/logger"
	"chat-client/rest"
	"chat-client/session"
	"chat-client/storage"
	"chat-client/token"
	"chat-client/transport"
)

// Client is the fully wired chat client.
type Client struct {
	cfg     *config.Config
	store   storage.Store
	Tokens  *token.Store
	Monitor *connection.Monitor
	Queue   *offline.Queue
	REST    *rest.Client
	Session *session.Orchestrator

	log *logger.Logger
}

// New wires a client from configuration. The refresh callback is how the
// application re-authenticates when the token is missing, expired or
// rejected. When cfg.Storage.Path is set, the token and the offline queue
// survive restarts in a local SQLite database; otherwise everything stays
// in memory.
func New(cfg *config.Config, refresh token.RefreshFunc, handlers session.Handlers) (*Client, error) {
	var store storage.Store
	if cfg.Storage.Path != "" {
		st, err := storage.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open storage at %s: %w", cfg.Storage.Path, err)
		}
		store = st
	} else {
		store = storage.NewMemoryStore()
	}

	tokens := token.NewStore(refresh, token.WithStorage(store))
	restClient := rest.NewClient(cfg.API, tokens)

	adapter := transport.NewWSAdapter(cfg.WebSocket.URL)
	monitor := connection.NewMonitor(adapter, tokens, cfg.WebSocket)

	queue := offline.NewQueue(
		func(ctx context.Context, roomID, body string) error {
			_, err := restClient.SendMessage(ctx, roomID, body)
			return err
		},
		offline.WithMaxQueueSize(cfg.Offline.MaxQueueSize),
		offline.WithStorage(store),
		offline.WithRoomUnreachableCheck(rest.IsRoomUnavailable),
	)

	sess := session.New(restClient, monitor, queue, adapter,
		session.WithPerPage(cfg.API.PerPage),
		session.WithHandlers(handlers),
	)

	return &Client{
		cfg:     cfg,
		store:   store,
		Tokens:  tokens,
		Monitor: monitor,
		Queue:   queue,
		REST:    restClient,
		Session: sess,
		log:     logger.Named("client"),
	}, nil
}

// Logout removes the credential (which disconnects the transport) and drops
// any queued messages that belonged to the session.
func (c *Client) Logout(ctx context.Context) error {
	c.Session.LeaveRoom(ctx)
	c.Queue.ClearQueue()
	return c.Tokens.Remove(ctx)
}

// Close shuts the client down without touching the stored credential, so a
// restart can resume the session.
func (c *Client) Close() error {
	c.Session.Close()
	c.Monitor.Disconnect()
	return c.store.Close()
}

// Rooms lists the available rooms through the session's cached directory.
func (c *Client) Rooms(ctx context.Context) ([]models.ChatRoom, error) {
	return c.Session.LoadRooms(ctx)
}
