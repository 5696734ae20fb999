package repository

import (
	"context"
	"time"

	"github.com/klpoland/lti-tool-provider/internal/domain/lti"
)

// PlatformRepository exposes persistence for registered platforms.
type PlatformRepository interface {
	GetByIssuer(ctx context.Context, issuer string) (lti.Platform, error)
	Create(ctx context.Context, platform lti.Platform) (lti.Platform, error)
}

// KeyRepository stores the tool's signing-key records.
type KeyRepository interface {
	Insert(ctx context.Context, record lti.KeyRecord) (lti.KeyRecord, error)
	GetByKID(ctx context.Context, kid string) (lti.KeyRecord, error)
	List(ctx context.Context) ([]lti.KeyRecord, error)
	DeleteExpired(ctx context.Context, before int64) (int64, error)
}

// SessionStore persists in-flight login sessions with TTL.
type SessionStore interface {
	Save(ctx context.Context, id string, session lti.LoginSession, ttl time.Duration) error
	Get(ctx context.Context, id string) (*lti.LoginSession, error)
	Delete(ctx context.Context, id string) error
}

// NonceLedger provides durable, issuer-scoped replay protection. Entries
// expire with a TTL matching the accepted issued-at window.
type NonceLedger interface {
	CheckAndRecord(ctx context.Context, issuer, nonce string) error
}
