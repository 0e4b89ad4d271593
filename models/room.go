package models

import "time"

type ChatRoom struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	IsPrivate     bool       `json:"is_private"`
	UserCount     int        `json:"user_count"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	AuthorID  string    `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	IsOnline bool   `json:"is_online,omitempty"`
}

type CreateRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsPrivate   bool   `json:"is_private"`
}

// SendResult reports the outcome of a sendMessage call. A queued message is
// not a success yet, but it is not lost either.
type SendResult struct {
	Success bool
	Queued  bool
	Message *ChatMessage
	Err     error
}
