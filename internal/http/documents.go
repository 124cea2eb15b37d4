package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/collabd/internal/auth"
	"github.com/nextlevelbuilder/collabd/internal/store"
	"github.com/nextlevelbuilder/collabd/pkg/ot"
	"github.com/nextlevelbuilder/collabd/pkg/protocol"
)

type documentJSON struct {
	ID              string     `json:"id"`
	RoomID          string     `json:"roomId"`
	FilePath        string     `json:"filePath"`
	Language        string     `json:"language,omitempty"`
	Content         string     `json:"content,omitempty"`
	Version         int64      `json:"version"`
	SizeBytes       int        `json:"sizeBytes"`
	LineCount       int        `json:"lineCount"`
	LastOperationAt *time.Time `json:"lastOperationAt,omitempty"`
}

func documentToJSON(d *store.Document, withContent bool) documentJSON {
	out := documentJSON{
		ID:              d.ID.String(),
		RoomID:          d.RoomID.String(),
		FilePath:        d.FilePath,
		Language:        d.Language,
		Version:         d.Version,
		SizeBytes:       d.SizeBytes,
		LineCount:       d.LineCount,
		LastOperationAt: d.LastOperationAt,
	}
	if withContent {
		out.Content = d.Content
	}
	return out
}

type operationJSON struct {
	ID            string           `json:"id"`
	DocID         string           `json:"docId"`
	ParticipantID string           `json:"participantId"`
	Ops           *ot.OperationSeq `json:"ops"`
	ClientID      string           `json:"clientId,omitempty"`
	ClientSeq     int64            `json:"clientSeq,omitempty"`
	ServerSeq     int64            `json:"serverSeq"`
	Timestamp     time.Time        `json:"timestamp"`
}

func (a *API) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	roomID, err := pathUUID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := a.membership(r, roomID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !auth.CanEdit(p.Role) {
		writeCoded(w, protocol.CodeReadOnly, "viewers cannot create documents")
		return
	}

	var body struct {
		FilePath string `json:"filePath"`
		Language string `json:"language"`
		Content  string `json:"content"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.FilePath == "" {
		writeCoded(w, protocol.CodeInvalidOperation, "filePath is required")
		return
	}

	d := &store.Document{
		ID:       uuid.Must(uuid.NewV7()),
		RoomID:   roomID,
		FilePath: body.FilePath,
		Language: body.Language,
		Content:  body.Content,
		Version:  0,
	}
	d.Refresh()
	if err := a.st.CreateDocument(r.Context(), d); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeCoded(w, protocol.CodeDocumentExists, "a document with this path exists in the room")
			return
		}
		writeError(w, mapStoreErr(err, "document"))
		return
	}
	writeData(w, http.StatusCreated, map[string]any{"document": documentToJSON(d, true)})
}

func (a *API) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	roomID, err := pathUUID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := a.membership(r, roomID); err != nil {
		writeError(w, err)
		return
	}
	docs, err := a.st.ListDocuments(r.Context(), roomID)
	if err != nil {
		writeError(w, mapStoreErr(err, "documents"))
		return
	}
	out := make([]documentJSON, 0, len(docs))
	for i := range docs {
		out = append(out, documentToJSON(&docs[i], false))
	}
	writeData(w, http.StatusOK, map[string]any{"documents": out})
}

// document resolves a document and checks the caller's room membership.
func (a *API) document(r *http.Request) (*store.Document, *store.Participant, error) {
	docID, err := pathUUID(r)
	if err != nil {
		return nil, nil, err
	}
	d, err := a.st.GetDocument(r.Context(), docID)
	if err != nil {
		return nil, nil, mapStoreErr(err, "document")
	}
	p, err := a.membership(r, d.RoomID)
	if err != nil {
		return nil, nil, err
	}
	return d, p, nil
}

func (a *API) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	d, _, err := a.document(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"document": documentToJSON(d, true)})
}

func (a *API) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	d, p, err := a.document(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !auth.CanEdit(p.Role) {
		writeCoded(w, protocol.CodeReadOnly, "viewers cannot update documents")
		return
	}

	var body struct {
		FilePath *string `json:"filePath"`
		Language *string `json:"language"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.FilePath != nil && *body.FilePath != "" {
		d.FilePath = *body.FilePath
	}
	if body.Language != nil {
		d.Language = *body.Language
	}
	if err := a.st.UpdateDocumentMeta(r.Context(), d); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeCoded(w, protocol.CodeDocumentExists, "a document with this path exists in the room")
			return
		}
		writeError(w, mapStoreErr(err, "document"))
		return
	}
	writeData(w, http.StatusOK, map[string]any{"document": documentToJSON(d, false)})
}

func (a *API) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	d, p, err := a.document(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !auth.CanAdmin(p.Role) {
		writeCoded(w, protocol.CodePermissionDenied, "owner role required")
		return
	}
	if err := a.st.DeleteDocument(r.Context(), d.ID); err != nil {
		writeError(w, mapStoreErr(err, "document"))
		return
	}
	writeData(w, http.StatusOK, map[string]any{"deleted": true})
}

func (a *API) handleListOperations(w http.ResponseWriter, r *http.Request) {
	d, _, err := a.document(r)
	if err != nil {
		writeError(w, err)
		return
	}
	since := int64(0)
	if v := r.URL.Query().Get("since"); v != "" {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil || n < 0 {
			writeCoded(w, protocol.CodeInvalidOperation, "since must be a non-negative integer")
			return
		}
		since = n
	}
	limit := queryInt(r, "limit", 100, 500)

	ops, err := a.st.OperationsSince(r.Context(), d.ID, since, limit)
	if err != nil {
		writeError(w, mapStoreErr(err, "operations"))
		return
	}
	out := make([]operationJSON, 0, len(ops))
	for _, op := range ops {
		out = append(out, operationJSON{
			ID:            op.ID.String(),
			DocID:         op.DocumentID.String(),
			ParticipantID: op.ParticipantID.String(),
			Ops:           op.Bundle,
			ClientID:      op.ClientID,
			ClientSeq:     op.ClientSeq,
			ServerSeq:     op.ServerSeq,
			Timestamp:     op.Timestamp,
		})
	}
	writeData(w, http.StatusOK, map[string]any{
		"operations": out,
		"version":    d.Version,
	})
}

func (a *API) handleUpsertCursor(w http.ResponseWriter, r *http.Request) {
	roomID, err := pathUUID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := a.membership(r, roomID)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		DocID          string `json:"docId"`
		Line           int    `json:"line"`
		Column         int    `json:"column"`
		SelectionStart *int   `json:"selectionStart"`
		SelectionEnd   *int   `json:"selectionEnd"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	docID, err := uuid.Parse(body.DocID)
	if err != nil {
		writeCoded(w, protocol.CodeInvalidOperation, "invalid document id")
		return
	}
	if body.Line < 0 || body.Column < 0 {
		writeCoded(w, protocol.CodeInvalidOperation, "line and column must be non-negative")
		return
	}
	d, err := a.st.GetDocument(r.Context(), docID)
	if err != nil {
		writeError(w, mapStoreErr(err, "document"))
		return
	}
	if d.RoomID != roomID {
		writeCoded(w, protocol.CodeNotFound, "document not in room")
		return
	}

	c := &store.Cursor{
		ParticipantID:  p.ID,
		DocumentID:     docID,
		Line:           body.Line,
		Column:         body.Column,
		SelectionStart: body.SelectionStart,
		SelectionEnd:   body.SelectionEnd,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := a.st.UpsertCursor(r.Context(), c); err != nil {
		writeError(w, mapStoreErr(err, "cursor"))
		return
	}
	writeData(w, http.StatusOK, map[string]any{"cursor": map[string]any{
		"participantId": p.ID.String(),
		"docId":         docID.String(),
		"line":          c.Line,
		"column":        c.Column,
	}})
}

func (a *API) handleListCursors(w http.ResponseWriter, r *http.Request) {
	d, _, err := a.document(r)
	if err != nil {
		writeError(w, err)
		return
	}
	cursors, err := a.st.ListCursors(r.Context(), d.ID)
	if err != nil {
		writeError(w, mapStoreErr(err, "cursors"))
		return
	}
	type cursorJSON struct {
		ParticipantID  string    `json:"participantId"`
		Line           int       `json:"line"`
		Column         int       `json:"col"`
		SelectionStart *int      `json:"selectionStart,omitempty"`
		SelectionEnd   *int      `json:"selectionEnd,omitempty"`
		UpdatedAt      time.Time `json:"updatedAt"`
	}
	out := make([]cursorJSON, 0, len(cursors))
	for _, c := range cursors {
		out = append(out, cursorJSON{
			ParticipantID:  c.ParticipantID.String(),
			Line:           c.Line,
			Column:         c.Column,
			SelectionStart: c.SelectionStart,
			SelectionEnd:   c.SelectionEnd,
			UpdatedAt:      c.UpdatedAt,
		})
	}
	writeData(w, http.StatusOK, map[string]any{"cursors": out})
}
