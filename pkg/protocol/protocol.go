// Package protocol defines the framed JSON wire protocol spoken between
// collabd and its clients, plus the machine error codes shared by the
// WebSocket and REST surfaces.
package protocol

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is bumped on breaking wire changes.
const ProtocolVersion = 1

// Client-to-server message types.
const (
	MsgJoinRoom       = "join-room"
	MsgLeaveRoom      = "leave-room"
	MsgOpenDocument   = "open-document"
	MsgOperation      = "operation"
	MsgCursorUpdate   = "cursor-update"
	MsgPresenceUpdate = "presence-update"
	MsgPing           = "ping"
)

// Server-to-client message types.
const (
	MsgRoomJoined        = "room-joined"
	MsgParticipantJoined = "participant-joined"
	MsgParticipantLeft   = "participant-left"
	MsgDocumentSnapshot  = "document-snapshot"
	MsgOperationReceived = "operation-received"
	MsgOperationAck      = "operation-ack"
	MsgCursorUpdated     = "cursor-updated"
	MsgPresenceUpdated   = "presence-updated"
	MsgSyncRequest       = "sync-request"
	MsgError             = "error"
	MsgPong              = "pong"
)

// Message is the envelope for every frame in both directions.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	SenderID  string          `json:"senderId,omitempty"`
}

// NewMessage builds an envelope around a payload, stamping the current time.
// Marshal failures cannot happen for the payload types in this package.
func NewMessage(msgType string, payload any) *Message {
	raw, _ := json.Marshal(payload)
	return &Message{
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Decode unmarshals the payload into dst.
func (m *Message) Decode(dst any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, dst)
}
