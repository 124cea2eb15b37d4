package doc

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/collabd/internal/store"
	"github.com/nextlevelbuilder/collabd/internal/store/memory"
	"github.com/nextlevelbuilder/collabd/pkg/ot"
	"github.com/nextlevelbuilder/collabd/pkg/protocol"
)

func newTestDoc(t *testing.T, content string) (*memory.Store, uuid.UUID, uuid.UUID) {
	t.Helper()
	st := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()

	room := &store.Room{
		ID:        uuid.Must(uuid.NewV7()),
		Name:      "test",
		OwnerID:   "u1",
		Status:    store.RoomActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.CreateRoom(ctx, room))

	p := &store.Participant{
		ID:       uuid.Must(uuid.NewV7()),
		RoomID:   room.ID,
		UserID:   "u1",
		Role:     store.RoleOwner,
		JoinedAt: now,
	}
	require.NoError(t, st.AddParticipant(ctx, p))

	d := &store.Document{
		ID:       uuid.Must(uuid.NewV7()),
		RoomID:   room.ID,
		FilePath: "main.go",
		Content:  content,
	}
	d.Refresh()
	require.NoError(t, st.CreateDocument(ctx, d))
	return st, d.ID, p.ID
}

func TestSubmitSequential(t *testing.T) {
	st, docID, pid := newTestDoc(t, "")
	c := NewCoordinator(docID, st, Options{})
	ctx := context.Background()

	res, err := c.Submit(ctx, pid, ot.NewOperationSeq().Insert("hello"), 0, "c1", 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.ServerSeq)
	require.False(t, res.Transformed)

	res, err = c.Submit(ctx, pid, ot.NewOperationSeq().Retain(5).Insert(" world"), 1, "c1", 2)
	require.NoError(t, err)
	require.Equal(t, int64(2), res.NewVersion)

	snap, err := c.OpenSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello world", snap.Content)
	require.Equal(t, int64(2), snap.Version)
}

func TestSubmitConcurrentInsertsServerWins(t *testing.T) {
	st, docID, pid := newTestDoc(t, "AB")
	c := NewCoordinator(docID, st, Options{})
	ctx := context.Background()

	// Two clients insert at the same position against the same base.
	res1, err := c.Submit(ctx, pid, ot.NewOperationSeq().Retain(1).Insert("X").Retain(1), 0, "c1", 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), res1.ServerSeq)

	res2, err := c.Submit(ctx, pid, ot.NewOperationSeq().Retain(1).Insert("Y").Retain(1), 0, "c2", 1)
	require.NoError(t, err)
	require.True(t, res2.Transformed)
	require.Equal(t, int64(2), res2.NewVersion)

	// The earlier accepted insert keeps its place; the late one lands after.
	snap, err := c.OpenSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "AXYB", snap.Content)
}

func TestSubmitDeleteVersusInsert(t *testing.T) {
	st, docID, pid := newTestDoc(t, "hello")
	c := NewCoordinator(docID, st, Options{})
	ctx := context.Background()

	_, err := c.Submit(ctx, pid, ot.NewOperationSeq().Retain(2).Delete(2).Retain(1), 0, "c1", 1)
	require.NoError(t, err)

	res, err := c.Submit(ctx, pid, ot.NewOperationSeq().Retain(4).Insert("XX").Retain(1), 0, "c2", 1)
	require.NoError(t, err)
	require.True(t, res.Transformed)

	snap, err := c.OpenSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "heXXo", snap.Content)
}

func TestSubmitStaleBaseRequiresSync(t *testing.T) {
	st, docID, pid := newTestDoc(t, "")
	c := NewCoordinator(docID, st, Options{MaxLag: 2})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := c.Submit(ctx, pid, ot.NewOperationSeq().Retain(i-1).Insert("a"), int64(i-1), "c1", int64(i))
		require.NoError(t, err)
	}

	_, err := c.Submit(ctx, pid, ot.NewOperationSeq().Insert("z"), 0, "c2", 1)
	require.Error(t, err)
	require.Equal(t, protocol.CodeSyncRequired, protocol.CodeOf(err))
}

func TestSubmitAheadBaseRejected(t *testing.T) {
	st, docID, pid := newTestDoc(t, "")
	c := NewCoordinator(docID, st, Options{})

	_, err := c.Submit(context.Background(), pid, ot.NewOperationSeq().Insert("a"), 5, "c1", 1)
	require.Error(t, err)
	require.Equal(t, protocol.CodeOutOfOrder, protocol.CodeOf(err))
}

func TestSubmitDuplicateIsIdempotent(t *testing.T) {
	st, docID, pid := newTestDoc(t, "")
	c := NewCoordinator(docID, st, Options{})
	ctx := context.Background()

	first, err := c.Submit(ctx, pid, ot.NewOperationSeq().Insert("hi"), 0, "c1", 7)
	require.NoError(t, err)

	// Same (clientID, clientSeq) again, as after a dropped ack.
	again, err := c.Submit(ctx, pid, ot.NewOperationSeq().Insert("hi"), 0, "c1", 7)
	require.NoError(t, err)
	require.True(t, again.Duplicate)
	require.Equal(t, first.ServerSeq, again.ServerSeq)

	snap, err := c.OpenSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "hi", snap.Content)
	require.Equal(t, int64(1), snap.Version)
}

func TestSubmitInvalidLengthRequiresSync(t *testing.T) {
	st, docID, pid := newTestDoc(t, "ab")
	c := NewCoordinator(docID, st, Options{})

	// Claims the document is longer than it is.
	_, err := c.Submit(context.Background(), pid, ot.NewOperationSeq().Retain(10).Insert("x"), 0, "c1", 1)
	require.Error(t, err)
	require.Equal(t, protocol.CodeSyncRequired, protocol.CodeOf(err))
}

func TestHistoryFoldsToSnapshot(t *testing.T) {
	st, docID, pid := newTestDoc(t, "")
	c := NewCoordinator(docID, st, Options{})
	ctx := context.Background()

	bundles := []*ot.OperationSeq{
		ot.NewOperationSeq().Insert("func main() {}"),
		ot.NewOperationSeq().Retain(13).Insert("\n\tprintln(1)\n").Retain(1),
		ot.NewOperationSeq().Retain(23).Delete(1).Insert("2").Retain(3),
	}
	for i, b := range bundles {
		_, err := c.Submit(ctx, pid, b, int64(i), "c1", int64(i+1))
		require.NoError(t, err)
	}

	ops, err := c.OperationsSince(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, ops, len(bundles))

	folded := ""
	for _, op := range ops {
		next, err := op.Bundle.Apply(folded)
		require.NoError(t, err)
		folded = next
	}
	snap, err := c.OpenSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, snap.Content, folded)
}

func TestSubmitSeqRaceReloadsGapFromStore(t *testing.T) {
	st, docID, pid := newTestDoc(t, "")
	ctx := context.Background()

	// Two coordinators over one store, as with two server processes.
	a := NewCoordinator(docID, st, Options{})
	b := NewCoordinator(docID, st, Options{})

	_, err := a.Submit(ctx, pid, ot.NewOperationSeq().Insert("abcd"), 0, "a1", 1)
	require.NoError(t, err)

	// b commits seq 2 behind a's back.
	_, err = b.Submit(ctx, pid, ot.NewOperationSeq().Delete(1).Retain(3).Insert("X"), 1, "b1", 1)
	require.NoError(t, err)

	// a's first attempt loses the seq race and reloads; the gap must come
	// from the store, not a's ring, or b's edit is skipped.
	res, err := a.Submit(ctx, pid, ot.NewOperationSeq().Retain(2).Insert("YY").Retain(2), 1, "a1", 2)
	require.NoError(t, err)
	require.True(t, res.Transformed)
	require.Equal(t, int64(3), res.NewVersion)

	snap, err := a.OpenSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "bYYcdX", snap.Content)

	// History folds to the stored content.
	ops, err := st.OperationsSince(ctx, docID, 0, 0)
	require.NoError(t, err)
	folded := ""
	for _, op := range ops {
		next, aerr := op.Bundle.Apply(folded)
		require.NoError(t, aerr)
		folded = next
	}
	require.Equal(t, snap.Content, folded)
}

func TestOperationGapFromStoreWhenRingTooSmall(t *testing.T) {
	st, docID, pid := newTestDoc(t, "")
	c := NewCoordinator(docID, st, Options{RingSize: 2, MaxLag: 100})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := c.Submit(ctx, pid, ot.NewOperationSeq().Retain(i).Insert("a"), int64(i), "c1", int64(i+1))
		require.NoError(t, err)
	}

	// Base 0 is far older than the ring covers; the gap loads from the
	// store and the bundle still lands at the end.
	res, err := c.Submit(ctx, pid, ot.NewOperationSeq().Insert("z"), 0, "c2", 1)
	require.NoError(t, err)
	require.True(t, res.Transformed)

	snap, err := c.OpenSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "aaaaaz", snap.Content)
	require.Equal(t, int64(6), snap.Version)
}
