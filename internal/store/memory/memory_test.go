package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/collabd/internal/store"
	"github.com/nextlevelbuilder/collabd/pkg/ot"
)

func seedRoom(t *testing.T, st *Store) *store.Room {
	t.Helper()
	now := time.Now().UTC()
	room := &store.Room{
		ID:        uuid.Must(uuid.NewV7()),
		Name:      "r",
		OwnerID:   "u1",
		Status:    store.RoomActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.CreateRoom(context.Background(), room))
	return room
}

func seedDoc(t *testing.T, st *Store, roomID uuid.UUID) *store.Document {
	t.Helper()
	d := &store.Document{
		ID:       uuid.Must(uuid.NewV7()),
		RoomID:   roomID,
		FilePath: "a.txt",
	}
	d.Refresh()
	require.NoError(t, st.CreateDocument(context.Background(), d))
	return d
}

func TestRoomLifecycle(t *testing.T) {
	st := New()
	ctx := context.Background()
	room := seedRoom(t, st)

	got, err := st.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, room.Name, got.Name)

	got.Name = "renamed"
	require.NoError(t, st.UpdateRoom(ctx, got))
	got, err = st.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Name)

	require.NoError(t, st.DeleteRoom(ctx, room.ID))
	_, err = st.GetRoom(ctx, room.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestExpireRooms(t *testing.T) {
	st := New()
	ctx := context.Background()
	room := seedRoom(t, st)

	past := time.Now().UTC().Add(-time.Hour)
	room.ExpiresAt = &past
	require.NoError(t, st.UpdateRoom(ctx, room))

	n, err := st.ExpireRooms(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := st.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, store.RoomExpired, got.Status)
}

func TestParticipantUniquePerRoom(t *testing.T) {
	st := New()
	ctx := context.Background()
	room := seedRoom(t, st)
	now := time.Now().UTC()

	p := &store.Participant{
		ID: uuid.Must(uuid.NewV7()), RoomID: room.ID, UserID: "u1",
		Role: store.RoleOwner, JoinedAt: now,
	}
	require.NoError(t, st.AddParticipant(ctx, p))

	dup := &store.Participant{
		ID: uuid.Must(uuid.NewV7()), RoomID: room.ID, UserID: "u1",
		Role: store.RoleEditor, JoinedAt: now,
	}
	require.ErrorIs(t, st.AddParticipant(ctx, dup), store.ErrDuplicate)

	count, err := st.CountParticipants(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestDocumentPathUniquePerRoom(t *testing.T) {
	st := New()
	ctx := context.Background()
	room := seedRoom(t, st)
	seedDoc(t, st, room.ID)

	dup := &store.Document{
		ID:       uuid.Must(uuid.NewV7()),
		RoomID:   room.ID,
		FilePath: "a.txt",
	}
	require.ErrorIs(t, st.CreateDocument(ctx, dup), store.ErrDuplicate)
}

func TestAppendOperationsAtomicAndDupDetection(t *testing.T) {
	st := New()
	ctx := context.Background()
	room := seedRoom(t, st)
	d := seedDoc(t, st, room.ID)
	pid := uuid.Must(uuid.NewV7())
	now := time.Now().UTC()

	op := store.PersistedOperation{
		ID: uuid.Must(uuid.NewV7()), DocumentID: d.ID, ParticipantID: pid,
		Bundle: ot.NewOperationSeq().Insert("hi"), ClientID: "c1", ClientSeq: 1,
		ServerSeq: 1, Timestamp: now, AppliedAt: now,
	}
	update := store.DocumentUpdate{Content: "hi", Version: 1, SizeBytes: 2, LineCount: 1, LastOperationAt: now}
	require.NoError(t, st.AppendOperations(ctx, d.ID, []store.PersistedOperation{op}, update))

	got, err := st.GetDocument(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, "hi", got.Content)
	require.Equal(t, int64(1), got.Version)

	// Same client sequence again.
	op2 := op
	op2.ID = uuid.Must(uuid.NewV7())
	op2.ServerSeq = 2
	err = st.AppendOperations(ctx, d.ID, []store.PersistedOperation{op2}, update)
	require.ErrorIs(t, err, store.ErrDuplicateClientSeq)

	// Same server sequence from a different client.
	op3 := op
	op3.ID = uuid.Must(uuid.NewV7())
	op3.ClientID = "c2"
	err = st.AppendOperations(ctx, d.ID, []store.PersistedOperation{op3}, update)
	require.ErrorIs(t, err, store.ErrDuplicateServerSeq)

	prior, err := st.OperationByClientSeq(ctx, d.ID, "c1", 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), prior.ServerSeq)
}

func TestOperationsSinceOrderAndLimit(t *testing.T) {
	st := New()
	ctx := context.Background()
	room := seedRoom(t, st)
	d := seedDoc(t, st, room.ID)
	pid := uuid.Must(uuid.NewV7())
	now := time.Now().UTC()

	for i := int64(1); i <= 5; i++ {
		op := store.PersistedOperation{
			ID: uuid.Must(uuid.NewV7()), DocumentID: d.ID, ParticipantID: pid,
			Bundle: ot.NewOperationSeq().Insert("x"), ClientID: "c1", ClientSeq: i,
			ServerSeq: i, Timestamp: now, AppliedAt: now,
		}
		update := store.DocumentUpdate{Content: "x", Version: i, SizeBytes: 1, LineCount: 1, LastOperationAt: now}
		require.NoError(t, st.AppendOperations(ctx, d.ID, []store.PersistedOperation{op}, update))
	}

	ops, err := st.OperationsSince(ctx, d.ID, 2, 2)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	require.Equal(t, int64(3), ops[0].ServerSeq)
	require.Equal(t, int64(4), ops[1].ServerSeq)
}

func TestRoomDeleteCascades(t *testing.T) {
	st := New()
	ctx := context.Background()
	room := seedRoom(t, st)
	d := seedDoc(t, st, room.ID)
	now := time.Now().UTC()

	p := &store.Participant{
		ID: uuid.Must(uuid.NewV7()), RoomID: room.ID, UserID: "u1",
		Role: store.RoleOwner, JoinedAt: now,
	}
	require.NoError(t, st.AddParticipant(ctx, p))
	require.NoError(t, st.UpsertCursor(ctx, &store.Cursor{
		ID: uuid.Must(uuid.NewV7()), ParticipantID: p.ID, DocumentID: d.ID, UpdatedAt: now,
	}))
	require.NoError(t, st.UpsertPresence(ctx, &store.Presence{
		ParticipantID: p.ID, RoomID: room.ID, Status: store.PresenceOnline, LastActivity: now,
	}))

	require.NoError(t, st.DeleteRoom(ctx, room.ID))

	_, err := st.GetDocument(ctx, d.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	cursors, err := st.ListCursors(ctx, d.ID)
	require.NoError(t, err)
	require.Empty(t, cursors)
	presence, err := st.ListPresence(ctx, room.ID)
	require.NoError(t, err)
	require.Empty(t, presence)
}

func TestSweepPresence(t *testing.T) {
	st := New()
	ctx := context.Background()
	room := seedRoom(t, st)
	pid := uuid.Must(uuid.NewV7())

	stale := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, st.UpsertPresence(ctx, &store.Presence{
		ParticipantID: pid, RoomID: room.ID, Status: store.PresenceOnline, LastActivity: stale,
	}))

	n, err := st.SweepPresence(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	list, err := st.ListPresence(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, store.PresenceOffline, list[0].Status)
}
