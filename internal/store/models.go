package store

import (
	"encoding/json"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/collabd/pkg/ot"
)

// RoomStatus is the lifecycle state of a room.
type RoomStatus string

const (
	RoomActive   RoomStatus = "active"
	RoomArchived RoomStatus = "archived"
	RoomExpired  RoomStatus = "expired"
)

// Role controls what a participant may do in a room.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// PresenceStatus is a participant's visible availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceIdle    PresenceStatus = "idle"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// ActivityType describes what a participant is doing.
type ActivityType string

const (
	ActivityIdle    ActivityType = "idle"
	ActivityViewing ActivityType = "viewing"
	ActivityEditing ActivityType = "editing"
)

// Room groups documents and participants.
type Room struct {
	ID              uuid.UUID
	Name            string
	Description     string
	OwnerID         string
	MaxParticipants int
	Status          RoomStatus
	ExpiresAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Participant is the (room, user) membership record.
type Participant struct {
	ID          uuid.UUID
	RoomID      uuid.UUID
	UserID      string
	Role        Role
	DisplayName string
	Color       string
	AvatarURL   string
	Presence    PresenceStatus
	LastSeen    time.Time
	JoinedAt    time.Time
}

// Document is a shared text file within a room.
type Document struct {
	ID              uuid.UUID
	RoomID          uuid.UUID
	FilePath        string
	Content         string
	Version         int64
	Language        string
	SizeBytes       int
	LineCount       int
	LastOperationAt *time.Time
	Metadata        json.RawMessage
}

// Refresh recomputes the derived size and line count from Content.
func (d *Document) Refresh() {
	d.SizeBytes = len(d.Content)
	d.LineCount = 1 + strings.Count(d.Content, "\n")
}

// PersistedOperation is a server-accepted bundle. ServerSeq equals the
// document version immediately after the bundle was applied.
type PersistedOperation struct {
	ID            uuid.UUID
	DocumentID    uuid.UUID
	ParticipantID uuid.UUID
	Bundle        *ot.OperationSeq
	ClientID      string
	ClientSeq     int64
	ServerSeq     int64
	Timestamp     time.Time
	AppliedAt     time.Time
	VectorClock   json.RawMessage
}

// Cursor is a participant's position in a document.
type Cursor struct {
	ID             uuid.UUID
	ParticipantID  uuid.UUID
	DocumentID     uuid.UUID
	Line           int
	Column         int
	SelectionStart *int
	SelectionEnd   *int
	UpdatedAt      time.Time
}

// Presence is a participant's live status within a room.
type Presence struct {
	ParticipantID     uuid.UUID
	RoomID            uuid.UUID
	Status            PresenceStatus
	CurrentDocumentID *uuid.UUID
	Activity          ActivityType
	LastActivity      time.Time
}

var participantPalette = []string{
	"#e06c75", "#61afef", "#98c379", "#e5c07b",
	"#c678dd", "#56b6c2", "#d19a66", "#abb2bf",
}

// ColorForUser picks a stable display color for a user id.
func ColorForUser(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return participantPalette[h.Sum32()%uint32(len(participantPalette))]
}
