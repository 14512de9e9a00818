package jira

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRefreshFuncParsesTokenResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		require.Equal(t, "client-id", r.Form.Get("client_id"))
		require.Equal(t, "old-refresh-token", r.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":3600}`))
	}))
	defer srv.Close()

	refresh := refreshFuncWithURL(srv.URL, "client-id", "client-secret")
	access, newRefresh, expiresAt, err := refresh(context.Background(), "old-refresh-token")
	require.NoError(t, err)
	require.Equal(t, "new-access", access)
	require.Equal(t, "new-refresh", newRefresh)
	require.True(t, expiresAt.After(time.Now()))
}

func TestRefreshFuncNonOKStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	refresh := refreshFuncWithURL(srv.URL, "client-id", "client-secret")
	_, _, _, err := refresh(context.Background(), "old-refresh-token")
	require.Error(t, err)
}
