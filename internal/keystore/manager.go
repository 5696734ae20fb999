package keystore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/klpoland/lti-tool-provider/internal/domain/lti"
	"github.com/klpoland/lti-tool-provider/internal/repository"
)

const (
	rsaKeyBits = 2048
	kidLength  = 64

	// First key of a batch expires after keyLifetime; each subsequent key
	// is staggered so the batch never expires all at once.
	keyLifetime = 7 * 24 * time.Hour
	keyStagger  = 30 * time.Minute
)

// Scheduler is the capability used to trigger key regeneration when a batch
// approaches expiry. ScheduleAt replaces the trigger from any previous call,
// so at most one rotation is pending at a time.
type Scheduler interface {
	ScheduleAt(t time.Time, fn func()) error
}

// Manager owns the tool's signing-key lifecycle: batch generation, rotation
// and the public JWKS projection.
type Manager struct {
	repo      repository.KeyRepository
	scheduler Scheduler
	node      *snowflake.Node
	logger    *zap.Logger
	batchSize int

	group singleflight.Group
	now   func() time.Time
}

// NewManager constructs a Manager. batchSize bounds how many keys each
// generation produces.
func NewManager(repo repository.KeyRepository, scheduler Scheduler, node *snowflake.Node, batchSize int, logger *zap.Logger) *Manager {
	if batchSize <= 0 {
		batchSize = 4
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Manager{
		repo:      repo,
		scheduler: scheduler,
		node:      node,
		logger:    logger,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// GenerateBatch produces n RSA key pairs, persists them and registers
// rotation triggers for their expiry timestamps. Concurrent callers share a
// single in-flight generation instead of re-triggering it.
func (m *Manager) GenerateBatch(ctx context.Context, n int) ([]lti.KeyRecord, error) {
	if n <= 0 {
		n = m.batchSize
	}
	result, err, _ := m.group.Do("generate", func() (any, error) {
		return m.generateBatch(ctx, n)
	})
	if err != nil {
		return nil, err
	}
	return result.([]lti.KeyRecord), nil
}

func (m *Manager) generateBatch(ctx context.Context, n int) ([]lti.KeyRecord, error) {
	now := m.now().UTC()
	expiry := now.Add(keyLifetime)
	rotateAt := expiry

	records := make([]lti.KeyRecord, 0, n)
	for i := 0; i < n; i++ {
		record, err := m.generateKey(expiry)
		if err != nil {
			return nil, err
		}
		created, err := m.repo.Insert(ctx, record)
		if err != nil {
			return nil, fmt.Errorf("persist key: %w", err)
		}
		records = append(records, created)
		expiry = expiry.Add(keyStagger)
	}

	// One trigger per batch, at the earliest expiry. Scheduling the
	// replacement batch supersedes it, so the keystore stays bounded.
	if m.scheduler != nil {
		if err := m.scheduler.ScheduleAt(rotateAt, m.rotate); err != nil {
			return nil, fmt.Errorf("schedule rotation: %w", err)
		}
	}

	m.logger.Info("generated signing key batch",
		zap.Int("count", len(records)),
		zap.Int64("first_expiry", records[0].ExpiresAt),
	)
	return records, nil
}

func (m *Manager) generateKey(expiry time.Time) (lti.KeyRecord, error) {
	kid, err := randomKID(kidLength)
	if err != nil {
		return lti.KeyRecord{}, fmt.Errorf("generate kid: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return lti.KeyRecord{}, fmt.Errorf("generate rsa key: %w", err)
	}

	publicPEM, err := encodePublicKey(&key.PublicKey)
	if err != nil {
		return lti.KeyRecord{}, fmt.Errorf("encode public key: %w", err)
	}
	sealedPEM, err := sealPrivateKey(key, kid)
	if err != nil {
		return lti.KeyRecord{}, fmt.Errorf("seal private key: %w", err)
	}

	return lti.KeyRecord{
		ID:                     m.node.Generate().Int64(),
		KID:                    kid,
		PublicKeyPEM:           publicPEM,
		EncryptedPrivateKeyPEM: sealedPEM,
		Algorithm:              string(jose.RS256),
		Use:                    "sig",
		ExpiresAt:              expiry.Unix(),
	}, nil
}

// rotate is the scheduler callback: drop expired records and regenerate a
// replacement batch. The new batch re-arms the single rotation trigger, so
// each cycle fires exactly one regeneration.
func (m *Manager) rotate() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	removed, err := m.repo.DeleteExpired(ctx, m.now().UTC().Unix())
	if err != nil {
		m.logger.Error("key rotation cleanup failed", zap.Error(err))
		return
	}
	if _, err := m.GenerateBatch(ctx, m.batchSize); err != nil {
		m.logger.Error("key rotation regeneration failed", zap.Error(err))
		return
	}
	m.logger.Info("rotated signing keys", zap.Int64("removed", removed))
}

// PublicKeySet returns the JWKS projection of every stored key, including
// expired ones; callers apply their own expiry filtering. Returns ErrNoKeys
// when the keystore is empty.
func (m *Manager) PublicKeySet(ctx context.Context) (lti.JWKS, error) {
	records, err := m.repo.List(ctx)
	if err != nil {
		return lti.JWKS{}, fmt.Errorf("list keys: %w", err)
	}
	if len(records) == 0 {
		return lti.JWKS{}, lti.ErrNoKeys
	}

	keySet := lti.JWKS{Keys: make([]lti.JWK, 0, len(records))}
	for _, record := range records {
		jwk, err := publicJWK(record)
		if err != nil {
			return lti.JWKS{}, err
		}
		keySet.Keys = append(keySet.Keys, jwk)
	}
	return keySet, nil
}

// PrivateKey unseals and returns the private key matching kid.
func (m *Manager) PrivateKey(ctx context.Context, kid string) (*rsa.PrivateKey, error) {
	record, err := m.repo.GetByKID(ctx, kid)
	if err != nil {
		return nil, err
	}
	key, err := openPrivateKey(record.EncryptedPrivateKeyPEM, record.KID)
	if err != nil {
		return nil, fmt.Errorf("unseal private key %s: %w", kid, err)
	}
	return key, nil
}

func publicJWK(record lti.KeyRecord) (lti.JWK, error) {
	pub, err := decodePublicKey(record.PublicKeyPEM)
	if err != nil {
		return lti.JWK{}, fmt.Errorf("decode public key %s: %w", record.KID, err)
	}
	joseKey := jose.JSONWebKey{
		Key:       pub,
		KeyID:     record.KID,
		Algorithm: record.Algorithm,
		Use:       record.Use,
	}
	data, err := joseKey.MarshalJSON()
	if err != nil {
		return lti.JWK{}, fmt.Errorf("marshal jwk %s: %w", record.KID, err)
	}
	var jwk lti.JWK
	if err := json.Unmarshal(data, &jwk); err != nil {
		return lti.JWK{}, fmt.Errorf("project jwk %s: %w", record.KID, err)
	}
	jwk.Exp = record.ExpiresAt
	return jwk, nil
}

const kidAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func randomKID(length int) (string, error) {
	out := make([]byte, length)
	max := big.NewInt(int64(len(kidAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = kidAlphabet[idx.Int64()]
	}
	return string(out), nil
}
