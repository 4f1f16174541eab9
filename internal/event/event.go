// Package event defines the change-event vocabulary shared by the broadcaster,
// the socket sessions and the Redis bridge. Both directions use the same
// {type, data} envelope on the wire.
package event

import (
	"encoding/json"
	"time"

	"github.com/lupamo/realtime-collab/internal/model"
)

// Type tags a change event or a client intent.
type Type string

// Server -> client events.
const (
	TaskCreated Type = "task_created"
	TaskUpdated Type = "task_updated"
	TaskDeleted Type = "task_deleted"
	UserJoined  Type = "user_joined"
	UserLeft    Type = "user_left"
	Presence    Type = "presence"
	Error       Type = "error"
)

// Client -> server intents.
const (
	JoinProject Type = "join_project"
	CursorMove  Type = "cursor_move"
)

// Envelope is the wire format for both directions.
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Event is a change event targeted at one room. Immutable once constructed;
// the broadcaster and every session share the same value.
type Event struct {
	Type Type
	Room int64
	// Origin is the session id of the connection that caused the event,
	// empty when the event has no originating session. Only presence
	// echoes are suppressed to their origin.
	Origin string
	Data   any
}

// Critical reports whether the event may never be silently dropped.
// Task mutations are critical; presence and membership chatter is
// reconstructible from the next snapshot.
func (e Event) Critical() bool {
	switch e.Type {
	case TaskCreated, TaskUpdated, TaskDeleted:
		return true
	}
	return false
}

// Marshal renders the wire envelope.
func (e Event) Marshal() ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: e.Type, Data: data})
}

// Payloads.

type TaskDeletedData struct {
	TaskID int64 `json:"task_id"`
}

type UserJoinedData struct {
	User model.User `json:"user"`
}

type UserLeftData struct {
	UserID int64 `json:"user_id"`
}

type PresenceData struct {
	UserID int64   `json:"user_id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	TaskID *int64  `json:"task_id,omitempty"`
}

type ErrorData struct {
	Message string `json:"message"`
}

// Intent payloads.

type JoinProjectData struct {
	ProjectID int64 `json:"project_id"`
}

type CursorMoveData struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	TaskID *int64  `json:"task_id,omitempty"`
}

// NewTaskCreated builds the broadcast for a freshly committed task.
func NewTaskCreated(t model.Task, origin string) Event {
	return Event{Type: TaskCreated, Room: t.ProjectID, Origin: origin, Data: t}
}

// NewTaskUpdated carries the FULL new state, not a diff, so a client that
// missed an intermediate event still converges on the next one.
func NewTaskUpdated(t model.Task, origin string) Event {
	return Event{Type: TaskUpdated, Room: t.ProjectID, Origin: origin, Data: t}
}

func NewTaskDeleted(t model.Task, origin string) Event {
	return Event{Type: TaskDeleted, Room: t.ProjectID, Origin: origin, Data: TaskDeletedData{TaskID: t.ID}}
}

func NewError(msg string) Event {
	return Event{Type: Error, Data: ErrorData{Message: msg}}
}

// Wire is the cross-process form published to Redis. Node lets a subscriber
// skip messages its own process already delivered locally.
type Wire struct {
	Node   string          `json:"node"`
	Room   int64           `json:"room"`
	Origin string          `json:"origin,omitempty"`
	Type   Type            `json:"type"`
	Data   json.RawMessage `json:"data"`
	SentAt time.Time       `json:"sent_at"`
}
