package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/filebroker/filebroker/internal/store"
)

// ShareGrant is a capability record for anonymous access to one object.
// Possession of the token is the capability; the optional password and
// download limit narrow it further.
type ShareGrant struct {
	Token         string     `json:"token"`
	ObjectID      string     `json:"file_id"`
	CreatedBy     string     `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	PasswordHash  string     `json:"password_hash,omitempty"`
	DownloadLimit *int64     `json:"download_limit,omitempty"`
	DownloadCount int64      `json:"download_count"`
}

// ShareManager issues and resolves share grants against the backing store.
type ShareManager struct {
	store *store.Store
	repo  *Repository
}

// NewShareManager creates a share link manager backed by the repository's
// object records.
func NewShareManager(st *store.Store, repo *Repository) *ShareManager {
	return &ShareManager{store: st, repo: repo}
}

// Create issues a new grant for an object the caller owns. expiresIn <= 0
// means the grant never expires on its own (it still dies with the
// object). An empty password leaves the grant unprotected; downloadLimit
// nil means unlimited. The object's metadata is rewritten to point at the
// newest grant; issuing a second grant orphans the first token's back
// reference but the old token keeps resolving until it expires.
func (m *ShareManager) Create(ctx context.Context, ownerID, objectID string, expiresIn time.Duration, password string, downloadLimit *int64) (*ShareGrant, error) {
	obj, err := m.repo.GetMetadata(ctx, objectID)
	if err != nil {
		return nil, err
	}
	// A foreign object is reported exactly like an absent one so the
	// endpoint does not confirm which ids exist.
	if obj.Owner != ownerID {
		return nil, ErrObjectNotFound
	}

	now := time.Now().UTC()
	grant := &ShareGrant{
		Token:         uuid.NewString(),
		ObjectID:      objectID,
		CreatedBy:     ownerID,
		CreatedAt:     now,
		DownloadLimit: downloadLimit,
	}

	var ttl time.Duration
	if expiresIn > 0 {
		exp := now.Add(expiresIn)
		grant.ExpiresAt = &exp
		ttl = expiresIn
	}

	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash share password: %w", err)
		}
		grant.PasswordHash = string(hash)
	}

	if err := m.putGrant(ctx, grant, ttl); err != nil {
		return nil, err
	}

	obj.Shared = true
	obj.ShareToken = grant.Token
	obj.UpdatedAt = &now
	if err := m.repo.putMetadata(ctx, obj, m.repo.remainingTTL(obj)); err != nil {
		return nil, err
	}

	log.Debug().
		Str("object", objectID).
		Str("owner", ownerID).
		Bool("password", grant.PasswordHash != "").
		Msg("share grant issued")

	return grant, nil
}

// Resolve checks a token and password against the stored grant and, on
// success, increments the download counter and returns the grant. An
// absent or expired grant is ErrShareNotFound; a wrong password is
// ErrForbidden; an exhausted download limit is ErrLimitExceeded. The
// counter increment is a read-modify-write; concurrent resolutions can
// overshoot the limit by the number of racing callers.
func (m *ShareManager) Resolve(ctx context.Context, token, password string) (*ShareGrant, error) {
	grant, err := m.getGrant(ctx, token)
	if err != nil {
		return nil, err
	}

	if grant.PasswordHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(grant.PasswordHash), []byte(password)); err != nil {
			return nil, fmt.Errorf("%w: share password mismatch", ErrForbidden)
		}
	}

	if grant.DownloadLimit != nil && grant.DownloadCount >= *grant.DownloadLimit {
		return nil, fmt.Errorf("%w: share download limit of %d reached", ErrLimitExceeded, *grant.DownloadLimit)
	}

	grant.DownloadCount++
	if err := m.putGrant(ctx, grant, grantTTL(grant)); err != nil {
		return nil, err
	}

	return grant, nil
}

// Get returns a grant without touching its counters.
func (m *ShareManager) Get(ctx context.Context, token string) (*ShareGrant, error) {
	return m.getGrant(ctx, token)
}

func (m *ShareManager) getGrant(ctx context.Context, token string) (*ShareGrant, error) {
	data, err := m.store.Get(ctx, shareKey(token))
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, ErrShareNotFound
	}
	if err != nil {
		return nil, backendErr(err)
	}

	grant := &ShareGrant{}
	if err := json.Unmarshal(data, grant); err != nil {
		return nil, fmt.Errorf("unmarshal share grant: %w", err)
	}

	// The store's TTL eviction is the primary expiry; this check covers
	// the window between logical expiry and physical removal.
	if grant.ExpiresAt != nil && time.Now().After(*grant.ExpiresAt) {
		return nil, ErrShareNotFound
	}
	return grant, nil
}

func (m *ShareManager) putGrant(ctx context.Context, grant *ShareGrant, ttl time.Duration) error {
	data, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("marshal share grant: %w", err)
	}
	if err := m.store.Set(ctx, shareKey(grant.Token), data, ttl); err != nil {
		return backendErr(err)
	}
	return nil
}

// grantTTL returns how long a rewritten grant should live so the counter
// update does not extend the grant's lifetime.
func grantTTL(grant *ShareGrant) time.Duration {
	if grant.ExpiresAt == nil {
		return 0
	}
	remaining := time.Until(*grant.ExpiresAt)
	if remaining < time.Second {
		remaining = time.Second
	}
	return remaining
}
