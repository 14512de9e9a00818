package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/taskops/engine/internal/config"
	"github.com/taskops/engine/internal/domain"
	"github.com/taskops/engine/internal/tracker"
)

func init() {
	tracker.RegisterOAuthRefresh(domain.TaskSourceJira, newRefreshFunc)
}

const atlassianTokenURL = "https://auth.atlassian.com/oauth/token"

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// newRefreshFunc builds the RefreshFunc Jira task sources use to exchange an
// expired OAuth 2.0 (3LO) refresh token for a fresh access token (§5's
// per-secret OAuth refresh requirement). Atlassian rotates the refresh token
// on every exchange, so the new one must be persisted alongside the access
// token or the next refresh fails.
func newRefreshFunc(cfg *config.Config) tracker.RefreshFunc {
	return refreshFuncWithURL(atlassianTokenURL, cfg.JiraOAuthClientID, cfg.JiraOAuthClientSecret)
}

// refreshFuncWithURL builds the refresh closure against an explicit token
// URL, so tests can point it at an httptest server instead of Atlassian.
func refreshFuncWithURL(tokenURL, clientID, clientSecret string) tracker.RefreshFunc {
	return func(ctx context.Context, refreshToken string) (string, string, time.Time, error) {
		form := url.Values{
			"grant_type":    {"refresh_token"},
			"client_id":     {clientID},
			"client_secret": {clientSecret},
			"refresh_token": {refreshToken},
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return "", "", time.Time{}, fmt.Errorf("jira: build refresh request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		client := &http.Client{Timeout: 15 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return "", "", time.Time{}, fmt.Errorf("jira: refresh token request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return "", "", time.Time{}, fmt.Errorf("jira: refresh token request: status %d", resp.StatusCode)
		}

		var tok tokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
			return "", "", time.Time{}, fmt.Errorf("jira: decode refresh response: %w", err)
		}
		if tok.AccessToken == "" {
			return "", "", time.Time{}, fmt.Errorf("jira: refresh response carried no access_token")
		}

		expiresAt := time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
		return tok.AccessToken, tok.RefreshToken, expiresAt, nil
	}
}
