package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/collabd/internal/store"
	"github.com/nextlevelbuilder/collabd/internal/store/sqldb"
	"github.com/nextlevelbuilder/collabd/pkg/ot"
)

var _ store.Store = (*sqldb.DB)(nil)

// openTestDB opens an isolated file-backed database per test.
func openTestDB(t *testing.T) *sqldb.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "collabd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedRoom(t *testing.T, db *sqldb.DB) *store.Room {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	room := &store.Room{
		ID:              uuid.Must(uuid.NewV7()),
		Name:            "r",
		OwnerID:         "u1",
		MaxParticipants: 10,
		Status:          store.RoomActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, db.CreateRoom(context.Background(), room))
	return room
}

func seedDoc(t *testing.T, db *sqldb.DB, roomID uuid.UUID) *store.Document {
	t.Helper()
	d := &store.Document{
		ID:       uuid.Must(uuid.NewV7()),
		RoomID:   roomID,
		FilePath: "a.txt",
		Content:  "",
	}
	d.Refresh()
	require.NoError(t, db.CreateDocument(context.Background(), d))
	return d
}

func seedParticipant(t *testing.T, db *sqldb.DB, roomID uuid.UUID, userID string, role store.Role) *store.Participant {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	p := &store.Participant{
		ID:          uuid.Must(uuid.NewV7()),
		RoomID:      roomID,
		UserID:      userID,
		Role:        role,
		DisplayName: userID,
		Color:       store.ColorForUser(userID),
		Presence:    store.PresenceOffline,
		LastSeen:    now,
		JoinedAt:    now,
	}
	require.NoError(t, db.AddParticipant(context.Background(), p))
	return p
}

func TestOpenAndPing(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Ping(context.Background()))
}

func TestRoomRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	room := seedRoom(t, db)

	got, err := db.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, room.Name, got.Name)
	require.Equal(t, store.RoomActive, got.Status)
	require.Nil(t, got.ExpiresAt)

	exp := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	got.Name = "renamed"
	got.ExpiresAt = &exp
	got.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, db.UpdateRoom(ctx, got))

	got, err = db.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Name)
	require.NotNil(t, got.ExpiresAt)

	rooms, err := db.ListRooms(ctx, "u1", 10, 0)
	require.NoError(t, err)
	require.Len(t, rooms, 1)

	_, err = db.GetRoom(ctx, uuid.Must(uuid.NewV7()))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestExpireRooms(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	room := seedRoom(t, db)

	past := time.Now().UTC().Add(-time.Hour)
	room.ExpiresAt = &past
	require.NoError(t, db.UpdateRoom(ctx, room))

	n, err := db.ExpireRooms(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := db.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, store.RoomExpired, got.Status)
}

func TestParticipantUniqueConstraint(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	room := seedRoom(t, db)
	seedParticipant(t, db, room.ID, "u1", store.RoleOwner)

	dup := &store.Participant{
		ID: uuid.Must(uuid.NewV7()), RoomID: room.ID, UserID: "u1",
		Role: store.RoleEditor, DisplayName: "u1", Color: "#fff",
		Presence: store.PresenceOffline,
		LastSeen: time.Now().UTC(), JoinedAt: time.Now().UTC(),
	}
	require.ErrorIs(t, db.AddParticipant(ctx, dup), store.ErrDuplicate)

	count, err := db.CountParticipants(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestDocumentPathUnique(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	room := seedRoom(t, db)
	seedDoc(t, db, room.ID)

	dup := &store.Document{
		ID: uuid.Must(uuid.NewV7()), RoomID: room.ID, FilePath: "a.txt",
	}
	dup.Refresh()
	require.ErrorIs(t, db.CreateDocument(ctx, dup), store.ErrDuplicate)
}

func TestAppendOperationsClassifiesViolations(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	room := seedRoom(t, db)
	d := seedDoc(t, db, room.ID)
	p := seedParticipant(t, db, room.ID, "u1", store.RoleEditor)
	now := time.Now().UTC().Truncate(time.Millisecond)

	op := store.PersistedOperation{
		ID: uuid.Must(uuid.NewV7()), DocumentID: d.ID, ParticipantID: p.ID,
		Bundle: ot.NewOperationSeq().Insert("hi"), ClientID: "c1", ClientSeq: 1,
		ServerSeq: 1, Timestamp: now, AppliedAt: now,
	}
	update := store.DocumentUpdate{Content: "hi", Version: 1, SizeBytes: 2, LineCount: 1, LastOperationAt: now}
	require.NoError(t, db.AppendOperations(ctx, d.ID, []store.PersistedOperation{op}, update))

	got, err := db.GetDocument(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, "hi", got.Content)
	require.Equal(t, int64(1), got.Version)

	// Retransmitted client sequence hits the (doc, client, client_seq) index.
	retry := op
	retry.ID = uuid.Must(uuid.NewV7())
	retry.ServerSeq = 2
	require.ErrorIs(t,
		db.AppendOperations(ctx, d.ID, []store.PersistedOperation{retry}, update),
		store.ErrDuplicateClientSeq)

	// A different client racing for the same server sequence hits the
	// (doc, server_seq) index.
	race := op
	race.ID = uuid.Must(uuid.NewV7())
	race.ClientID = "c2"
	require.ErrorIs(t,
		db.AppendOperations(ctx, d.ID, []store.PersistedOperation{race}, update),
		store.ErrDuplicateServerSeq)

	// Failed appends must not have touched the document row.
	got, err = db.GetDocument(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Version)

	prior, err := db.OperationByClientSeq(ctx, d.ID, "c1", 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), prior.ServerSeq)
	ins, ok := prior.Bundle.Ops()[0].(ot.Insert)
	require.True(t, ok)
	require.Equal(t, "hi", ins.Text)
}

func TestAppendOperationsWithoutClientIDNeverDeduped(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	room := seedRoom(t, db)
	d := seedDoc(t, db, room.ID)
	p := seedParticipant(t, db, room.ID, "u1", store.RoleEditor)
	now := time.Now().UTC().Truncate(time.Millisecond)

	// Distinct operations without a client id must not collide on the
	// replay index.
	for i := int64(1); i <= 2; i++ {
		op := store.PersistedOperation{
			ID: uuid.Must(uuid.NewV7()), DocumentID: d.ID, ParticipantID: p.ID,
			Bundle: ot.NewOperationSeq().Insert("x"),
			ServerSeq: i, Timestamp: now, AppliedAt: now,
		}
		update := store.DocumentUpdate{Content: "x", Version: i, SizeBytes: 1, LineCount: 1, LastOperationAt: now}
		require.NoError(t, db.AppendOperations(ctx, d.ID, []store.PersistedOperation{op}, update))
	}

	ops, err := db.OperationsSince(ctx, d.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, ops, 2)
}

func TestOperationsSincePageOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	room := seedRoom(t, db)
	d := seedDoc(t, db, room.ID)
	p := seedParticipant(t, db, room.ID, "u1", store.RoleEditor)
	now := time.Now().UTC().Truncate(time.Millisecond)

	for i := int64(1); i <= 5; i++ {
		op := store.PersistedOperation{
			ID: uuid.Must(uuid.NewV7()), DocumentID: d.ID, ParticipantID: p.ID,
			Bundle: ot.NewOperationSeq().Insert("x"), ClientID: "c1", ClientSeq: i,
			ServerSeq: i, Timestamp: now, AppliedAt: now,
		}
		update := store.DocumentUpdate{Content: "x", Version: i, SizeBytes: 1, LineCount: 1, LastOperationAt: now}
		require.NoError(t, db.AppendOperations(ctx, d.ID, []store.PersistedOperation{op}, update))
	}

	ops, err := db.OperationsSince(ctx, d.ID, 2, 2)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	require.Equal(t, int64(3), ops[0].ServerSeq)
	require.Equal(t, int64(4), ops[1].ServerSeq)
}

func TestCursorUpsertAndSelection(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	room := seedRoom(t, db)
	d := seedDoc(t, db, room.ID)
	p := seedParticipant(t, db, room.ID, "u1", store.RoleEditor)
	now := time.Now().UTC().Truncate(time.Millisecond)

	c := &store.Cursor{
		ParticipantID: p.ID, DocumentID: d.ID, Line: 2, Column: 7, UpdatedAt: now,
	}
	require.NoError(t, db.UpsertCursor(ctx, c))

	selStart, selEnd := 3, 9
	c2 := &store.Cursor{
		ParticipantID: p.ID, DocumentID: d.ID, Line: 4, Column: 1,
		SelectionStart: &selStart, SelectionEnd: &selEnd, UpdatedAt: now.Add(time.Second),
	}
	require.NoError(t, db.UpsertCursor(ctx, c2))

	cursors, err := db.ListCursors(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, cursors, 1)
	require.Equal(t, 4, cursors[0].Line)
	require.NotNil(t, cursors[0].SelectionStart)
	require.Equal(t, 3, *cursors[0].SelectionStart)

	require.NoError(t, db.DeleteCursor(ctx, p.ID, d.ID))
	cursors, err = db.ListCursors(ctx, d.ID)
	require.NoError(t, err)
	require.Empty(t, cursors)
}

func TestPresenceUpsertAndSweep(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	room := seedRoom(t, db)
	p := seedParticipant(t, db, room.ID, "u1", store.RoleEditor)

	stale := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	require.NoError(t, db.UpsertPresence(ctx, &store.Presence{
		ParticipantID: p.ID, RoomID: room.ID, Status: store.PresenceOnline,
		Activity: store.ActivityEditing, LastActivity: stale,
	}))

	n, err := db.SweepPresence(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	list, err := db.ListPresence(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, store.PresenceOffline, list[0].Status)
}

func TestRoomDeleteCascades(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	room := seedRoom(t, db)
	d := seedDoc(t, db, room.ID)
	p := seedParticipant(t, db, room.ID, "u1", store.RoleOwner)
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, db.UpsertCursor(ctx, &store.Cursor{
		ParticipantID: p.ID, DocumentID: d.ID, UpdatedAt: now,
	}))
	require.NoError(t, db.UpsertPresence(ctx, &store.Presence{
		ParticipantID: p.ID, RoomID: room.ID, Status: store.PresenceOnline,
		Activity: store.ActivityIdle, LastActivity: now,
	}))

	require.NoError(t, db.DeleteRoom(ctx, room.ID))

	_, err := db.GetDocument(ctx, d.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = db.GetParticipantByID(ctx, p.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	presence, err := db.ListPresence(ctx, room.ID)
	require.NoError(t, err)
	require.Empty(t, presence)
}
