package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/taskops/engine/internal/domain"
	"github.com/taskops/engine/internal/secrets"
	"github.com/taskops/engine/internal/store"
	"github.com/taskops/engine/internal/store/driver"
	"golang.org/x/sync/singleflight"
)

// RefreshFunc exchanges a refresh token for a new access token at the
// provider's token endpoint.
type RefreshFunc func(ctx context.Context, refreshToken string) (accessToken, newRefreshToken string, expiresAt time.Time, err error)

// Refresher serializes OAuth token refresh per secret (§4.3, §5): a
// singleflight group collapses concurrent refreshes within one process,
// and (on PostgreSQL) a transaction-scoped advisory lock keyed by the
// secret id extends that guarantee across processes sharing one database.
type Refresher struct {
	st   *store.Store
	sec  secrets.Client
	sf   singleflight.Group
}

// NewRefresher builds a Refresher over the given store and secrets client.
func NewRefresher(st *store.Store, sec secrets.Client) *Refresher {
	return &Refresher{st: st, sec: sec}
}

// Plaintext returns the current plaintext access token for secretID,
// refreshing it first if expired. The new refresh token (if rotated) and
// new expiry are written back before this returns, per §4.3's "write back
// before any API call proceeds" requirement.
func (r *Refresher) Plaintext(ctx context.Context, secretID string, refresh RefreshFunc) (string, error) {
	v, err, _ := r.sf.Do(secretID, func() (any, error) {
		return r.refreshIfNeeded(ctx, secretID, refresh)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Refresher) refreshIfNeeded(ctx context.Context, secretID string, refresh RefreshFunc) (string, error) {
	// checkAndRefresh re-reads the secret and re-checks expiry immediately
	// before refreshing, rather than trusting a read taken before the
	// advisory lock was acquired. Without the re-check, two workers can both
	// observe an expired secret, both pass the lock in turn, and both refresh
	// — the second consuming the refresh token the first just rotated away.
	checkAndRefresh := func() (string, error) {
		sec, err := r.st.FindSecret(ctx, secretID)
		if err != nil {
			return "", fmt.Errorf("tracker: load secret %s: %w", secretID, err)
		}
		if !sec.Expired(time.Now()) {
			return r.sec.Decrypt(ctx, secretID)
		}
		return r.doRefresh(ctx, secretID, sec, refresh)
	}

	// On PostgreSQL, hold the advisory lock across the whole
	// read-check-refresh-write sequence so a concurrent refresher in another
	// process blocks until this one has written the new tokens back, and
	// then observes the now-fresh secret instead of refreshing again (§4.3,
	// §5).
	if r.st.Dialect() != driver.DialectPostgres {
		return checkAndRefresh()
	}

	var result string
	err := r.st.WithTx(ctx, func(ctx context.Context, tx driver.Tx) error {
		if err := driver.AdvisoryTxLock(ctx, tx, secretID); err != nil {
			return fmt.Errorf("advisory lock secret %s: %w", secretID, err)
		}
		v, err := checkAndRefresh()
		result = v
		return err
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func (r *Refresher) doRefresh(ctx context.Context, secretID string, sec *domain.Secret, refresh RefreshFunc) (string, error) {
	refreshToken, err := r.sec.DecryptRefreshToken(ctx, secretID)
	if err != nil {
		return "", fmt.Errorf("tracker: decrypt refresh token for %s: %w", secretID, err)
	}

	newAccess, newRefresh, expiresAt, err := refresh(ctx, refreshToken)
	if err != nil {
		return "", fmt.Errorf("tracker: refresh token for %s: %w", secretID, err)
	}

	accessCipher, err := r.sec.Encrypt(ctx, newAccess)
	if err != nil {
		return "", fmt.Errorf("tracker: encrypt refreshed access token: %w", err)
	}
	refreshCipher := sec.RefreshCiphertext
	if newRefresh != "" {
		refreshCipher, err = r.sec.Encrypt(ctx, newRefresh)
		if err != nil {
			return "", fmt.Errorf("tracker: encrypt refreshed refresh token: %w", err)
		}
	}

	if err := r.st.UpdateSecretTokens(ctx, secretID, accessCipher, refreshCipher, &expiresAt); err != nil {
		return "", fmt.Errorf("tracker: persist refreshed tokens for %s: %w", secretID, err)
	}
	return newAccess, nil
}
