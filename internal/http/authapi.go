package http

import (
	"net/http"
	"time"

	"github.com/nextlevelbuilder/collabd/pkg/protocol"
)

func (a *API) handleAuthValidate(w http.ResponseWriter, r *http.Request) {
	a.applyCORS(w, r)
	token := BearerToken(r)
	if token == "" {
		var body struct {
			Token string `json:"token"`
		}
		if r.ContentLength > 0 {
			if err := decodeBody(w, r, &body); err != nil {
				writeError(w, err)
				return
			}
		}
		token = body.Token
	}
	identity, err := a.verifier.Verify(r.Context(), token)
	if err != nil {
		writeData(w, http.StatusOK, map[string]any{"valid": false})
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"valid":       true,
		"userId":      identity.UserID,
		"displayName": identity.DisplayName,
	})
}

func (a *API) handleAuthMe(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	writeData(w, http.StatusOK, map[string]any{
		"userId":      identity.UserID,
		"displayName": identity.DisplayName,
		"avatarUrl":   identity.AvatarURL,
	})
}

func (a *API) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	if a.issuer == nil {
		writeCoded(w, protocol.CodeUnavailable, "token refresh is not available with an external verifier")
		return
	}
	identity := identityFrom(r)
	ttl := time.Duration(a.cfg.Auth.TokenTTLMinutes) * time.Minute
	if ttl <= 0 {
		ttl = time.Hour
	}
	token, err := a.issuer.Issue(identity.UserID, identity.DisplayName, ttl)
	if err != nil {
		writeError(w, protocol.Wrap(protocol.CodeInternal, err))
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresIn": int(ttl.Seconds()),
	})
}
