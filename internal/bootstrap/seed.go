// Package bootstrap seeds a brand-new standalone deployment with a demo
// room so the server is usable right after first start.
package bootstrap

import (
	"context"
	"embed"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/collabd/internal/store"
)

//go:embed templates/*.md
var templateFS embed.FS

const (
	seedOwnerID  = "system"
	seedRoomName = "Welcome"
	welcomeFile  = "welcome.md"
)

// ReadTemplate returns the content of an embedded template file.
func ReadTemplate(name string) (string, error) {
	content, err := templateFS.ReadFile("templates/" + name)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// EnsureSeedRoom creates the welcome room and its document when the store
// holds no rooms yet. Re-running is a no-op. Returns the room id when a
// room was created.
func EnsureSeedRoom(ctx context.Context, st store.Store) (*uuid.UUID, error) {
	existing, err := st.ListRooms(ctx, seedOwnerID, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, nil
	}

	content, err := ReadTemplate(welcomeFile)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	room := &store.Room{
		ID:              uuid.Must(uuid.NewV7()),
		Name:            seedRoomName,
		Description:     "Auto-created demo room",
		OwnerID:         seedOwnerID,
		MaxParticipants: 50,
		Status:          store.RoomActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := st.CreateRoom(ctx, room); err != nil {
		return nil, err
	}

	owner := &store.Participant{
		ID:          uuid.Must(uuid.NewV7()),
		RoomID:      room.ID,
		UserID:      seedOwnerID,
		Role:        store.RoleOwner,
		DisplayName: "System",
		Color:       store.ColorForUser(seedOwnerID),
		Presence:    store.PresenceOffline,
		LastSeen:    now,
		JoinedAt:    now,
	}
	if err := st.AddParticipant(ctx, owner); err != nil {
		return nil, err
	}

	doc := &store.Document{
		ID:       uuid.Must(uuid.NewV7()),
		RoomID:   room.ID,
		FilePath: welcomeFile,
		Language: "markdown",
		Content:  content,
		Version:  0,
	}
	doc.Refresh()
	if err := st.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}

	slog.Info("seeded welcome room", "room", room.ID)
	return &room.ID, nil
}
