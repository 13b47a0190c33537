package matrix

import "encoding/json"

// MessageContent is the content body of an m.room.message event.
type MessageContent struct {
	MsgType       string `json:"msgtype"`
	Body          string `json:"body"`
	Format        string `json:"format,omitempty"`
	FormattedBody string `json:"formatted_body,omitempty"`
}

// NewTextMessage creates a plain text message.
func NewTextMessage(body string) MessageContent {
	return MessageContent{
		MsgType: "m.text",
		Body:    body,
	}
}

// NewHTMLMessage creates a message with an HTML formatted body alongside
// the plain-text fallback.
func NewHTMLMessage(body, formatted string) MessageContent {
	return MessageContent{
		MsgType:       "m.text",
		Body:          body,
		Format:        "org.matrix.custom.html",
		FormattedBody: formatted,
	}
}

// Event represents a Matrix event from the server.
type Event struct {
	EventID        string          `json:"event_id"`
	Type           string          `json:"type"`
	Sender         string          `json:"sender"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
	RoomID         string          `json:"room_id,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
}

// CreateRoomRequest holds parameters for creating a Matrix room.
type CreateRoomRequest struct {
	Name       string   `json:"name,omitempty"`
	Topic      string   `json:"topic,omitempty"`
	Visibility string   `json:"visibility,omitempty"` // "public" or "private"
	Preset     string   `json:"preset,omitempty"`     // e.g. "private_chat"
	Invite     []string `json:"invite,omitempty"`
}

// CreateRoomResponse is returned by CreateRoom.
type CreateRoomResponse struct {
	RoomID string `json:"room_id"`
}

// WhoAmIResponse is returned by WhoAmI.
type WhoAmIResponse struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
}

// SendEventResponse is returned by event send endpoints.
type SendEventResponse struct {
	EventID string `json:"event_id"`
}

// JoinedRoomsResponse is returned by JoinedRooms.
type JoinedRoomsResponse struct {
	JoinedRooms []string `json:"joined_rooms"`
}

// SyncOptions configures a /sync call.
type SyncOptions struct {
	// Since is the next_batch token from the previous sync. Empty for
	// an initial sync.
	Since string
	// Timeout is the server-side long-poll hold in milliseconds.
	// SetTimeout must be true for a zero timeout to be sent explicitly.
	Timeout    int
	SetTimeout bool
	// Filter is an inline JSON filter definition.
	Filter string
}

// SyncResponse is the subset of the /sync response the bridge consumes.
type SyncResponse struct {
	NextBatch string    `json:"next_batch"`
	Rooms     SyncRooms `json:"rooms"`
}

// SyncRooms groups per-room sync data by membership.
type SyncRooms struct {
	Join map[string]JoinedRoom `json:"join"`
}

// JoinedRoom holds timeline events for a joined room.
type JoinedRoom struct {
	Timeline Timeline `json:"timeline"`
}

// Timeline is the ordered list of events since the previous sync.
type Timeline struct {
	Events    []Event `json:"events"`
	Limited   bool    `json:"limited"`
	PrevBatch string  `json:"prev_batch"`
}

// MessageEvent is a text message extracted from the sync stream, in the
// shape the relay consumes.
type MessageEvent struct {
	EventID       string
	RoomID        string
	Sender        string
	Body          string
	MsgType       string
	FormattedBody string
	Timestamp     int64
}
