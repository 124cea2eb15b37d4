// Package doc hosts the per-document coordinator: the single logical actor
// that serializes edit acceptance, transforms client bundles against newer
// server operations, assigns server sequence numbers and persists the
// result atomically.
package doc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/collabd/internal/store"
	"github.com/nextlevelbuilder/collabd/pkg/ot"
	"github.com/nextlevelbuilder/collabd/pkg/protocol"
)

var tracer = otel.Tracer("collabd/doc")

// Options tunes a coordinator; zero values take the defaults.
type Options struct {
	MaxLag        int
	RingSize      int
	StoreDeadline time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxLag <= 0 {
		o.MaxLag = 100
	}
	if o.RingSize <= 0 {
		o.RingSize = 256
	}
	if o.StoreDeadline <= 0 {
		o.StoreDeadline = 10 * time.Second
	}
	return o
}

// SubmitResult reports an accepted (or deduplicated) bundle.
type SubmitResult struct {
	// Ops is the bundle as accepted, after transformation.
	Ops *ot.OperationSeq
	// ServerSeq is the sequence assigned to the bundle; NewVersion is
	// the document version after apply (equal unless Duplicate).
	ServerSeq  int64
	NewVersion int64
	// Transformed is set when the bundle was rewritten against newer
	// server operations before applying.
	Transformed bool
	// Duplicate is set when an identical (clientID, clientSeq) bundle
	// had already been accepted; Ops/ServerSeq carry the prior result.
	Duplicate bool
}

// Snapshot is a consistent (content, version) read.
type Snapshot struct {
	Content   string
	Version   int64
	FilePath  string
	Language  string
	SizeBytes int
	LineCount int
}

// Coordinator owns the live state of one document. All mutation runs under
// one mutex, so observable behavior is serialized per document; different
// documents proceed concurrently.
type Coordinator struct {
	docID uuid.UUID
	st    store.Store
	opts  Options

	mu       sync.Mutex
	loaded   bool
	content  string
	length   int // cached UTF-16 length of content
	version  int64
	filePath string
	language string
	ring     *opRing

	broken atomic.Bool
}

// NewCoordinator builds a coordinator for the document. State is loaded
// lazily on first use.
func NewCoordinator(docID uuid.UUID, st store.Store, opts Options) *Coordinator {
	opts = opts.withDefaults()
	return &Coordinator{
		docID: docID,
		st:    st,
		opts:  opts,
		ring:  newOpRing(opts.RingSize),
	}
}

// DocID returns the coordinated document's id.
func (c *Coordinator) DocID() uuid.UUID { return c.docID }

// Broken reports whether a panic poisoned the in-memory state. The hub
// drops broken coordinators; the next submission reloads from the store.
func (c *Coordinator) Broken() bool { return c.broken.Load() }

func (c *Coordinator) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.StoreDeadline)
}

// load reads the authoritative document row. Caller holds c.mu.
func (c *Coordinator) load(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	d, err := c.st.GetDocument(sctx, c.docID)
	if err != nil {
		return mapStoreErr(err)
	}
	c.content = d.Content
	c.length = ot.Len16(d.Content)
	c.version = d.Version
	c.filePath = d.FilePath
	c.language = d.Language
	c.loaded = true
	return nil
}

// Submit runs the serialized acceptance pipeline: lag guard, gap
// transformation with server-side tie break, apply, atomic persist,
// in-memory commit. The returned result is delivered to the submitter
// before any peer broadcast.
func (c *Coordinator) Submit(ctx context.Context, participantID uuid.UUID, bundle *ot.OperationSeq, baseVersion int64, clientID string, clientSeq int64) (res *SubmitResult, err error) {
	ctx, span := tracer.Start(ctx, "doc.submit", trace.WithAttributes(
		attribute.String("document.id", c.docID.String()),
		attribute.Int64("base.version", baseVersion),
	))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			// Poison only this document; state reloads on restart.
			c.broken.Store(true)
			slog.Error("doc.submit.panic", "doc", c.docID, "panic", r)
			res, err = nil, protocol.E(protocol.CodeInternal, "document coordinator failed")
		}
	}()

	if err := c.load(ctx); err != nil {
		return nil, err
	}

	bundle = bundle.Normalize()
	if bundle.IsNoop() && len(bundle.Ops()) == 0 {
		return nil, protocol.E(protocol.CodeInvalidOperation, "empty bundle")
	}

	// Unique-violation on server sequence means another writer got in
	// (possible only across processes); reload and retry a few times.
	for attempt := 0; attempt < 3; attempt++ {
		res, retry, err := c.submitOnce(ctx, participantID, bundle, baseVersion, clientID, clientSeq)
		if retry {
			c.loaded = false
			// The other writer's operations never went through this
			// ring; a stale ring would hand out incomplete gaps.
			c.ring.reset()
			if err := c.load(ctx); err != nil {
				return nil, err
			}
			continue
		}
		return res, err
	}
	return nil, protocol.E(protocol.CodeUnavailable, "document busy, retry")
}

func (c *Coordinator) submitOnce(ctx context.Context, participantID uuid.UUID, bundle *ot.OperationSeq, baseVersion int64, clientID string, clientSeq int64) (*SubmitResult, bool, error) {
	if baseVersion > c.version {
		return nil, false, protocol.E(protocol.CodeOutOfOrder, "base version ahead of document")
	}
	if c.version-baseVersion > int64(c.opts.MaxLag) {
		return nil, false, protocol.E(protocol.CodeSyncRequired, "base version too far behind")
	}

	gap, err := c.operationGap(ctx, baseVersion)
	if err != nil {
		return nil, false, err
	}

	// Transform the client bundle past every newer server operation.
	// The accepted server op is the left side, so concurrent inserts at
	// the same position land after the server's (server wins).
	client := bundle
	for _, srv := range gap {
		_, clientPrime, terr := ot.Transform(srv.Bundle, client, ot.TieLeft)
		if terr != nil {
			return nil, false, protocol.E(protocol.CodeSyncRequired, "bundle does not apply to document state")
		}
		client = clientPrime
	}
	transformed := len(gap) > 0

	if !client.Validate(c.length) {
		// The authoritative content is trusted; the client must resync.
		return nil, false, protocol.E(protocol.CodeSyncRequired, "bundle length does not match document")
	}
	newContent, err := client.Apply(c.content)
	if err != nil {
		return nil, false, protocol.E(protocol.CodeSyncRequired, "bundle does not apply to document state")
	}

	now := time.Now().UTC()
	newVersion := c.version + 1
	op := store.PersistedOperation{
		ID:            uuid.Must(uuid.NewV7()),
		DocumentID:    c.docID,
		ParticipantID: participantID,
		Bundle:        client,
		ClientID:      clientID,
		ClientSeq:     clientSeq,
		ServerSeq:     newVersion,
		Timestamp:     now,
		AppliedAt:     now,
	}
	update := store.DocumentUpdate{
		Content:         newContent,
		Version:         newVersion,
		SizeBytes:       len(newContent),
		LineCount:       lineCount(newContent),
		LastOperationAt: now,
	}

	sctx, cancel := c.storeCtx(ctx)
	err = c.st.AppendOperations(sctx, c.docID, []store.PersistedOperation{op}, update)
	cancel()
	switch {
	case err == nil:
	case errors.Is(err, store.ErrDuplicateClientSeq):
		return c.priorResult(ctx, clientID, clientSeq)
	case errors.Is(err, store.ErrDuplicateServerSeq):
		return nil, true, nil
	default:
		return nil, false, mapStoreErr(err)
	}

	c.content = newContent
	c.length = client.TargetLen()
	c.version = newVersion
	c.ring.push(op)

	slog.Debug("doc.operation.accepted",
		"doc", c.docID, "server_seq", newVersion, "transformed", transformed)

	return &SubmitResult{
		Ops:         client,
		ServerSeq:   newVersion,
		NewVersion:  newVersion,
		Transformed: transformed,
	}, false, nil
}

// priorResult resolves an idempotent resubmission to the originally
// accepted operation.
func (c *Coordinator) priorResult(ctx context.Context, clientID string, clientSeq int64) (*SubmitResult, bool, error) {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	prior, err := c.st.OperationByClientSeq(sctx, c.docID, clientID, clientSeq)
	if err != nil {
		return nil, false, mapStoreErr(err)
	}
	return &SubmitResult{
		Ops:        prior.Bundle,
		ServerSeq:  prior.ServerSeq,
		NewVersion: c.version,
		Duplicate:  true,
	}, false, nil
}

// operationGap returns the server operations in (after, currentVersion],
// from the ring when it covers the range, from the store otherwise.
func (c *Coordinator) operationGap(ctx context.Context, after int64) ([]store.PersistedOperation, error) {
	if after == c.version {
		return nil, nil
	}
	if ops, ok := c.ring.since(after); ok {
		return ops, nil
	}
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	ops, err := c.st.OperationsSince(sctx, c.docID, after, int(c.version-after))
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return ops, nil
}

// OpenSnapshot returns the current (content, version) pair.
func (c *Coordinator) OpenSnapshot(ctx context.Context) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	return &Snapshot{
		Content:   c.content,
		Version:   c.version,
		FilePath:  c.filePath,
		Language:  c.language,
		SizeBytes: len(c.content),
		LineCount: lineCount(c.content),
	}, nil
}

// Version returns the current document version, loading if necessary.
func (c *Coordinator) Version(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return 0, err
	}
	return c.version, nil
}

// OperationsSince returns persisted operations with server sequence >
// fromVersion, capped at limit. Used for client reconciliation on
// join and reconnect.
func (c *Coordinator) OperationsSince(ctx context.Context, fromVersion int64, limit int) ([]store.PersistedOperation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	if ops, ok := c.ring.since(fromVersion); ok {
		if limit > 0 && len(ops) > limit {
			ops = ops[:limit]
		}
		return ops, nil
	}
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	ops, err := c.st.OperationsSince(sctx, c.docID, fromVersion, limit)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return ops, nil
}

func lineCount(s string) int {
	n := 1
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			n++
		}
	}
	return n
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return protocol.E(protocol.CodeNotFound, "document not found")
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.E(protocol.CodeUnavailable, "store deadline exceeded")
	default:
		return protocol.Wrap(protocol.CodeUnavailable, err)
	}
}
