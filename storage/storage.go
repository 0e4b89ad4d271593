// Package storage persists the pieces of client state that must survive a
// process restart: the bearer token and the offline message queue.
package storage

import (
	"context"
	"time"
)

// QueuedRecord is the persisted form of an offline-queued message.
type QueuedRecord struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	Body       string    `json:"body"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
	Status     string    `json:"status"`
}

// Store is implemented by the SQLite store and the in-memory store.
// SaveQueue replaces the whole persisted queue; the offline queue is small
// (bounded at maxQueueSize) so replace-on-write keeps the contract simple.
type Store interface {
	SaveToken(ctx context.Context, token string) error
	LoadToken(ctx context.Context) (string, error)
	DeleteToken(ctx context.Context) error

	SaveQueue(ctx context.Context, records []QueuedRecord) error
	LoadQueue(ctx context.Context) ([]QueuedRecord, error)

	Close() error
}
