package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/collabd/internal/store"
	"github.com/nextlevelbuilder/collabd/pkg/protocol"
)

func TestJWTRoundTrip(t *testing.T) {
	p := NewJWTProvider("topsecret", "collabd")

	token, err := p.Issue("user-7", "Ada", time.Hour)
	require.NoError(t, err)

	id, err := p.Verify(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "user-7", id.UserID)
	require.Equal(t, "Ada", id.DisplayName)
}

func TestJWTVerifyFailures(t *testing.T) {
	p := NewJWTProvider("topsecret", "collabd")
	ctx := context.Background()

	t.Run("empty token", func(t *testing.T) {
		_, err := p.Verify(ctx, "")
		require.Equal(t, protocol.CodeAuthRequired, protocol.CodeOf(err))
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewJWTProvider("differentsecret", "collabd")
		token, err := other.Issue("user-7", "", time.Hour)
		require.NoError(t, err)
		_, err = p.Verify(ctx, token)
		require.Equal(t, protocol.CodeInvalidToken, protocol.CodeOf(err))
	})

	t.Run("expired", func(t *testing.T) {
		token, err := p.Issue("user-7", "", -time.Minute)
		require.NoError(t, err)
		_, err = p.Verify(ctx, token)
		require.Equal(t, protocol.CodeInvalidToken, protocol.CodeOf(err))
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := NewJWTProvider("topsecret", "someone-else")
		token, err := other.Issue("user-7", "", time.Hour)
		require.NoError(t, err)
		_, err = p.Verify(ctx, token)
		require.Equal(t, protocol.CodeInvalidToken, protocol.CodeOf(err))
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := p.Verify(ctx, "not.a.token")
		require.Equal(t, protocol.CodeInvalidToken, protocol.CodeOf(err))
	})
}

func TestDisplayNameDefaultsToSubject(t *testing.T) {
	p := NewJWTProvider("topsecret", "")
	token, err := p.Issue("plain-user", "", time.Hour)
	require.NoError(t, err)
	id, err := p.Verify(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "plain-user", id.DisplayName)
}

func TestRolePermissions(t *testing.T) {
	require.True(t, CanEdit(store.RoleOwner))
	require.True(t, CanEdit(store.RoleEditor))
	require.False(t, CanEdit(store.RoleViewer))

	require.True(t, CanAdmin(store.RoleOwner))
	require.False(t, CanAdmin(store.RoleEditor))
	require.False(t, CanAdmin(store.RoleViewer))
}
