package model

import (
	"encoding/json"
	"time"
)

// ConnStatus is the lifecycle state of a push channel.
type ConnStatus string

const (
	StatusConnecting   ConnStatus = "connecting"
	StatusConnected    ConnStatus = "connected"
	StatusDisconnected ConnStatus = "disconnected"
	StatusError        ConnStatus = "error"
)

// Label returns the short human text shown by status indicators.
func (s ConnStatus) Label() string {
	switch s {
	case StatusConnecting:
		return "Connecting..."
	case StatusConnected:
		return "Live"
	case StatusError:
		return "Connection Error"
	default:
		return "Offline"
	}
}

// ─────────────────────────────────────────────
// User stream (SSE)
// ─────────────────────────────────────────────

// EventType is the discriminant of a user stream event.
type EventType string

const (
	EventTokenUpdate EventType = "token_update"
	EventJobUpdate   EventType = "job_update"
	EventPing        EventType = "ping"
	EventConnected   EventType = "connected"
)

// Event is the JSON carried in the data field of every SSE frame.
type Event struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`

	// ReceivedAt is set locally when the frame is decoded.
	ReceivedAt time.Time `json:"-"`
}

// TokenUpdate is the payload of a token_update event.
type TokenUpdate struct {
	UserID     string `json:"user_id"`
	NewBalance int64  `json:"new_balance"`
	Cost       *int64 `json:"cost,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// JobStatus is the server-side status of a generation job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status will not change again.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobUpdate is the payload of a job_update event and of the job-updated
// local event.
type JobUpdate struct {
	JobID    int64     `json:"job_id"`
	UserID   string    `json:"user_id"`
	Status   JobStatus `json:"status"`
	Progress *float64  `json:"progress,omitempty"`
	URL      string    `json:"url,omitempty"`
	URLs     []string  `json:"urls,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// JobStatusResponse is the body of GET /generate/status/{id}.
type JobStatusResponse struct {
	Status JobStatus `json:"status"`
	URL    string    `json:"url,omitempty"`
	URLs   []string  `json:"urls,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// TokensUpdated is the tokens-updated local event.
type TokensUpdated struct {
	NewBalance    int64  `json:"newBalance"`
	TokensCharged *int64 `json:"tokensCharged,omitempty"`
}

// ─────────────────────────────────────────────
// Live session channel (WebSocket)
// ─────────────────────────────────────────────

// MsgType is the discriminant of a live session frame.
type MsgType string

const (
	MsgBigScreenRequest MsgType = "bigscreen_request"
	MsgPaymentRequest   MsgType = "payment_request"
)

// Envelope is the top-level WebSocket frame.
type Envelope struct {
	Type MsgType     `json:"type"`
	Data interface{} `json:"data"`
}

// BigScreenRequest asks the operator to put an album on the big screen.
type BigScreenRequest struct {
	RequestID   string `json:"request_id,omitempty"`
	AlbumCode   string `json:"album_code"`
	VisitorName string `json:"visitor_name,omitempty"`
	StationID   string `json:"station_id,omitempty"`
}

// PaymentRequest asks the operator to collect a payment for an album.
type PaymentRequest struct {
	RequestID   string `json:"request_id"`
	AlbumCode   string `json:"album_code,omitempty"`
	VisitorName string `json:"visitor_name,omitempty"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency,omitempty"`
}

// Notification is an item in the operator's pending list.
type Notification struct {
	ID         string    `json:"id"`
	Kind       MsgType   `json:"kind"`
	Subject    string    `json:"subject"`
	Title      string    `json:"title"`
	Payload    any       `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}
