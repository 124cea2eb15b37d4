package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/collabd/pkg/protocol"
)

// RemoteProvider delegates token verification to an external HTTP
// endpoint. The endpoint receives {"token": "..."} and answers
// {"valid": true, "userId": "...", "displayName": "...", "avatarUrl": "..."}.
type RemoteProvider struct {
	url    string
	client *http.Client
}

// NewRemoteProvider builds a verifier around the given verify URL.
func NewRemoteProvider(url string) *RemoteProvider {
	return &RemoteProvider{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *RemoteProvider) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, protocol.E(protocol.CodeAuthRequired, "missing bearer token")
	}

	body, _ := json.Marshal(map[string]string{"token": token})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, protocol.E(protocol.CodeInvalidToken, "token rejected by verifier")
	}

	var out struct {
		Valid       bool   `json:"valid"`
		UserID      string `json:"userId"`
		DisplayName string `json:"displayName"`
		AvatarURL   string `json:"avatarUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, protocol.Wrap(protocol.CodeUnavailable, err)
	}
	if !out.Valid || out.UserID == "" {
		return nil, protocol.E(protocol.CodeInvalidToken, "token rejected by verifier")
	}
	return &Identity{
		UserID:      out.UserID,
		DisplayName: out.DisplayName,
		AvatarURL:   out.AvatarURL,
	}, nil
}
