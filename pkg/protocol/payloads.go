package protocol

import (
	"github.com/nextlevelbuilder/collabd/pkg/ot"
)

// JoinRoomPayload starts the join handshake. ResumeFromVersion lets a
// reconnecting client ask for the operation gap instead of full snapshots.
type JoinRoomPayload struct {
	RoomID            string `json:"roomId"`
	ResumeFromVersion *int64 `json:"resumeFromVersion,omitempty"`
}

// OpenDocumentPayload requests a document snapshot within the joined room.
type OpenDocumentPayload struct {
	DocID string `json:"docId"`
}

// OperationPayload carries a client edit bundle.
type OperationPayload struct {
	DocID       string           `json:"docId"`
	Ops         *ot.OperationSeq `json:"ops"`
	BaseVersion int64            `json:"baseVersion"`
	ClientID    string           `json:"clientId"`
	ClientSeq   int64            `json:"clientSeq"`
}

// CursorUpdatePayload reports the sender's cursor. Version is the document
// version the position was computed against.
type CursorUpdatePayload struct {
	DocID          string `json:"docId"`
	Line           int    `json:"line"`
	Column         int    `json:"col"`
	SelectionStart *int   `json:"selectionStart,omitempty"`
	SelectionEnd   *int   `json:"selectionEnd,omitempty"`
	Version        int64  `json:"version,omitempty"`
}

// PresenceUpdatePayload reports the sender's presence status.
type PresenceUpdatePayload struct {
	Status   string `json:"status"`
	Activity string `json:"activity,omitempty"`
	DocID    string `json:"docId,omitempty"`
}

// ParticipantInfo describes a room member in server events.
type ParticipantInfo struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
	Presence    string `json:"presence"`
}

// DocumentSnapshot is a consistent (content, version) read of a document.
type DocumentSnapshot struct {
	DocID     string `json:"docId"`
	FilePath  string `json:"filePath"`
	Language  string `json:"language,omitempty"`
	Content   string `json:"content"`
	Version   int64  `json:"version"`
	SizeBytes int    `json:"sizeBytes"`
	LineCount int    `json:"lineCount"`
}

// RoomJoinedPayload answers a successful join.
type RoomJoinedPayload struct {
	RoomID       string             `json:"roomId"`
	Participant  ParticipantInfo    `json:"participant"`
	Participants []ParticipantInfo  `json:"participants"`
	Documents    []DocumentSnapshot `json:"documents"`
	// Gap is set instead of full document content when the client resumed
	// within the server's transform window.
	Gap []OperationEvent `json:"gap,omitempty"`
}

// OperationEvent is an accepted operation fanned out to the room.
type OperationEvent struct {
	DocID         string           `json:"docId"`
	ParticipantID string           `json:"participantId"`
	Ops           *ot.OperationSeq `json:"ops"`
	ServerSeq     int64            `json:"serverSeq"`
	ClientID      string           `json:"clientId,omitempty"`
	ClientSeq     int64            `json:"clientSeq,omitempty"`
	NewVersion    int64            `json:"newVersion"`
}

// OperationAckPayload acknowledges the submitter's own bundle.
type OperationAckPayload struct {
	DocID       string           `json:"docId"`
	ClientSeq   int64            `json:"clientSeq"`
	ServerSeq   int64            `json:"serverSeq"`
	NewVersion  int64            `json:"newVersion"`
	Transformed bool             `json:"transformed"`
	Ops         *ot.OperationSeq `json:"ops,omitempty"`
}

// CursorEvent is a peer cursor update, positions already transformed to the
// current document version.
type CursorEvent struct {
	DocID          string `json:"docId"`
	ParticipantID  string `json:"participantId"`
	Line           int    `json:"line"`
	Column         int    `json:"col"`
	SelectionStart *int   `json:"selectionStart,omitempty"`
	SelectionEnd   *int   `json:"selectionEnd,omitempty"`
	Version        int64  `json:"version"`
}

// PresenceEvent is a peer presence change.
type PresenceEvent struct {
	ParticipantID string `json:"participantId"`
	Status        string `json:"status"`
	Activity      string `json:"activity,omitempty"`
	DocID         string `json:"docId,omitempty"`
}

// SyncRequestPayload tells a client its state is too far behind and it must
// re-fetch from the given version.
type SyncRequestPayload struct {
	DocID string `json:"docId"`
	From  int64  `json:"from"`
}

// ErrorPayload carries a machine code plus a human message.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}
