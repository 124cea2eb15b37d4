package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/collabd/internal/auth"
	"github.com/nextlevelbuilder/collabd/internal/store"
	"github.com/nextlevelbuilder/collabd/pkg/protocol"
)

type roomJSON struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	OwnerID         string     `json:"ownerId"`
	MaxParticipants int        `json:"maxParticipants"`
	Status          string     `json:"status"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

func roomToJSON(r *store.Room) roomJSON {
	return roomJSON{
		ID:              r.ID.String(),
		Name:            r.Name,
		Description:     r.Description,
		OwnerID:         r.OwnerID,
		MaxParticipants: r.MaxParticipants,
		Status:          string(r.Status),
		ExpiresAt:       r.ExpiresAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

type participantJSON struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"roomId"`
	UserID      string    `json:"userId"`
	Role        string    `json:"role"`
	DisplayName string    `json:"displayName"`
	Color       string    `json:"color"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	Presence    string    `json:"presence"`
	LastSeen    time.Time `json:"lastSeen"`
	JoinedAt    time.Time `json:"joinedAt"`
}

func participantToJSON(p *store.Participant) participantJSON {
	return participantJSON{
		ID:          p.ID.String(),
		RoomID:      p.RoomID.String(),
		UserID:      p.UserID,
		Role:        string(p.Role),
		DisplayName: p.DisplayName,
		Color:       p.Color,
		AvatarURL:   p.AvatarURL,
		Presence:    string(p.Presence),
		LastSeen:    p.LastSeen,
		JoinedAt:    p.JoinedAt,
	}
}

// pathUUID parses the {id} path segment.
func pathUUID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.UUID{}, protocol.E(protocol.CodeInvalidOperation, "invalid id")
	}
	return id, nil
}

// membership resolves the caller's participant row in the room.
func (a *API) membership(r *http.Request, roomID uuid.UUID) (*store.Participant, error) {
	identity := identityFrom(r)
	p, err := a.st.GetParticipant(r.Context(), roomID, identity.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, protocol.E(protocol.CodePermissionDenied, "not a participant of this room")
		}
		return nil, mapStoreErr(err, "participant")
	}
	return p, nil
}

func (a *API) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name             string `json:"name"`
		Description      string `json:"description"`
		MaxParticipants  int    `json:"maxParticipants"`
		ExpiresInMinutes int    `json:"expiresInMinutes"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Name == "" {
		writeCoded(w, protocol.CodeInvalidOperation, "name is required")
		return
	}
	if body.MaxParticipants <= 0 {
		body.MaxParticipants = a.cfg.Collab.MaxParticipants
	}

	identity := identityFrom(r)
	now := time.Now().UTC()
	room := &store.Room{
		ID:              uuid.Must(uuid.NewV7()),
		Name:            body.Name,
		Description:     body.Description,
		OwnerID:         identity.UserID,
		MaxParticipants: body.MaxParticipants,
		Status:          store.RoomActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if body.ExpiresInMinutes > 0 {
		exp := now.Add(time.Duration(body.ExpiresInMinutes) * time.Minute)
		room.ExpiresAt = &exp
	}
	if err := a.st.CreateRoom(r.Context(), room); err != nil {
		writeError(w, mapStoreErr(err, "room"))
		return
	}

	// The creator is the room's owner participant.
	owner := &store.Participant{
		ID:          uuid.Must(uuid.NewV7()),
		RoomID:      room.ID,
		UserID:      identity.UserID,
		Role:        store.RoleOwner,
		DisplayName: displayNameOr(identity),
		Color:       store.ColorForUser(identity.UserID),
		AvatarURL:   identity.AvatarURL,
		Presence:    store.PresenceOffline,
		LastSeen:    now,
		JoinedAt:    now,
	}
	if err := a.st.AddParticipant(r.Context(), owner); err != nil {
		writeError(w, mapStoreErr(err, "participant"))
		return
	}

	writeData(w, http.StatusCreated, map[string]any{
		"room":        roomToJSON(room),
		"participant": participantToJSON(owner),
	})
}

func (a *API) handleListRooms(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	limit := queryInt(r, "limit", 50, 200)
	offset := queryInt(r, "offset", 0, 1<<30)
	rooms, err := a.st.ListRooms(r.Context(), identity.UserID, limit, offset)
	if err != nil {
		writeError(w, mapStoreErr(err, "rooms"))
		return
	}
	out := make([]roomJSON, 0, len(rooms))
	for i := range rooms {
		out = append(out, roomToJSON(&rooms[i]))
	}
	writeData(w, http.StatusOK, map[string]any{"rooms": out})
}

func (a *API) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	roomID, err := pathUUID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := a.membership(r, roomID); err != nil {
		writeError(w, err)
		return
	}
	room, err := a.st.GetRoom(r.Context(), roomID)
	if err != nil {
		writeError(w, mapStoreErr(err, "room"))
		return
	}
	writeData(w, http.StatusOK, map[string]any{"room": roomToJSON(room)})
}

func (a *API) handleUpdateRoom(w http.ResponseWriter, r *http.Request) {
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
	if !auth.CanAdmin(p.Role) {
		writeCoded(w, protocol.CodePermissionDenied, "owner role required")
		return
	}

	var body struct {
		Name             *string `json:"name"`
		Description      *string `json:"description"`
		MaxParticipants  *int    `json:"maxParticipants"`
		Status           *string `json:"status"`
		ExpiresInMinutes *int    `json:"expiresInMinutes"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}

	room, err := a.st.GetRoom(r.Context(), roomID)
	if err != nil {
		writeError(w, mapStoreErr(err, "room"))
		return
	}
	if body.Name != nil && *body.Name != "" {
		room.Name = *body.Name
	}
	if body.Description != nil {
		room.Description = *body.Description
	}
	if body.MaxParticipants != nil && *body.MaxParticipants > 0 {
		room.MaxParticipants = *body.MaxParticipants
	}
	if body.Status != nil {
		switch store.RoomStatus(*body.Status) {
		case store.RoomActive, store.RoomArchived:
			room.Status = store.RoomStatus(*body.Status)
		default:
			writeCoded(w, protocol.CodeInvalidOperation, "status must be active or archived")
			return
		}
	}
	if body.ExpiresInMinutes != nil {
		if *body.ExpiresInMinutes <= 0 {
			room.ExpiresAt = nil
		} else {
			exp := time.Now().UTC().Add(time.Duration(*body.ExpiresInMinutes) * time.Minute)
			room.ExpiresAt = &exp
		}
	}
	room.UpdatedAt = time.Now().UTC()
	if err := a.st.UpdateRoom(r.Context(), room); err != nil {
		writeError(w, mapStoreErr(err, "room"))
		return
	}
	if room.Status == store.RoomArchived {
		a.rooms.Evict(roomID)
	}
	writeData(w, http.StatusOK, map[string]any{"room": roomToJSON(room)})
}

func (a *API) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
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
	if !auth.CanAdmin(p.Role) {
		writeCoded(w, protocol.CodePermissionDenied, "owner role required")
		return
	}
	a.rooms.Evict(roomID)
	if err := a.st.DeleteRoom(r.Context(), roomID); err != nil {
		writeError(w, mapStoreErr(err, "room"))
		return
	}
	writeData(w, http.StatusOK, map[string]any{"deleted": true})
}

func (a *API) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	roomID, err := pathUUID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Role        string `json:"role"`
		DisplayName string `json:"displayName"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(w, r, &body); err != nil {
			writeError(w, err)
			return
		}
	}

	identity := identityFrom(r)
	room, err := a.st.GetRoom(r.Context(), roomID)
	if err != nil {
		writeError(w, mapStoreErr(err, "room"))
		return
	}
	if room.Status != store.RoomActive {
		writeCoded(w, protocol.CodeNotFound, "room is not active")
		return
	}

	// Re-joining is idempotent.
	if existing, err := a.st.GetParticipant(r.Context(), roomID, identity.UserID); err == nil {
		writeData(w, http.StatusOK, map[string]any{"participant": participantToJSON(existing)})
		return
	}

	count, err := a.st.CountParticipants(r.Context(), roomID)
	if err != nil {
		writeError(w, mapStoreErr(err, "participants"))
		return
	}
	if room.MaxParticipants > 0 && count >= room.MaxParticipants {
		writeCoded(w, protocol.CodeConflict, "room is full")
		return
	}

	role := store.RoleEditor
	switch store.Role(body.Role) {
	case "":
	case store.RoleEditor, store.RoleViewer:
		role = store.Role(body.Role)
	default:
		writeCoded(w, protocol.CodeInvalidOperation, "role must be editor or viewer")
		return
	}

	name := body.DisplayName
	if name == "" {
		name = displayNameOr(identity)
	}
	now := time.Now().UTC()
	p := &store.Participant{
		ID:          uuid.Must(uuid.NewV7()),
		RoomID:      roomID,
		UserID:      identity.UserID,
		Role:        role,
		DisplayName: name,
		Color:       store.ColorForUser(identity.UserID),
		AvatarURL:   identity.AvatarURL,
		Presence:    store.PresenceOffline,
		LastSeen:    now,
		JoinedAt:    now,
	}
	if err := a.st.AddParticipant(r.Context(), p); err != nil {
		writeError(w, mapStoreErr(err, "participant"))
		return
	}
	writeData(w, http.StatusCreated, map[string]any{"participant": participantToJSON(p)})
}

func (a *API) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
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
	if p.Role == store.RoleOwner {
		writeCoded(w, protocol.CodeInvalidOperation, "the owner cannot leave; delete the room instead")
		return
	}
	if err := a.st.RemoveParticipant(r.Context(), p.ID); err != nil {
		writeError(w, mapStoreErr(err, "participant"))
		return
	}
	writeData(w, http.StatusOK, map[string]any{"left": true})
}

func (a *API) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	roomID, err := pathUUID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := a.membership(r, roomID); err != nil {
		writeError(w, err)
		return
	}
	list, err := a.st.ListParticipants(r.Context(), roomID)
	if err != nil {
		writeError(w, mapStoreErr(err, "participants"))
		return
	}
	out := make([]participantJSON, 0, len(list))
	for i := range list {
		out = append(out, participantToJSON(&list[i]))
	}
	writeData(w, http.StatusOK, map[string]any{"participants": out})
}

func (a *API) handleListPresence(w http.ResponseWriter, r *http.Request) {
	roomID, err := pathUUID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := a.membership(r, roomID); err != nil {
		writeError(w, err)
		return
	}
	list, err := a.st.ListPresence(r.Context(), roomID)
	if err != nil {
		writeError(w, mapStoreErr(err, "presence"))
		return
	}
	type presenceJSON struct {
		ParticipantID string    `json:"participantId"`
		Status        string    `json:"status"`
		Activity      string    `json:"activity,omitempty"`
		DocID         string    `json:"docId,omitempty"`
		LastActivity  time.Time `json:"lastActivity"`
	}
	out := make([]presenceJSON, 0, len(list))
	for _, p := range list {
		pj := presenceJSON{
			ParticipantID: p.ParticipantID.String(),
			Status:        string(p.Status),
			Activity:      string(p.Activity),
			LastActivity:  p.LastActivity,
		}
		if p.CurrentDocumentID != nil {
			pj.DocID = p.CurrentDocumentID.String()
		}
		out = append(out, pj)
	}
	writeData(w, http.StatusOK, map[string]any{"presence": out})
}

func displayNameOr(id *auth.Identity) string {
	if id.DisplayName != "" {
		return id.DisplayName
	}
	return id.UserID
}

func queryInt(r *http.Request, key string, def, max int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
