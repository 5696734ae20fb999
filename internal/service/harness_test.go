package service_test

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/klpoland/lti-tool-provider/internal/domain/lti"
)

type memoryPlatformRepo struct {
	mu        sync.Mutex
	platforms map[string]lti.Platform
}

func newMemoryPlatformRepo() *memoryPlatformRepo {
	return &memoryPlatformRepo{platforms: make(map[string]lti.Platform)}
}

func (m *memoryPlatformRepo) GetByIssuer(ctx context.Context, issuer string) (lti.Platform, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	platform, ok := m.platforms[issuer]
	if !ok {
		return lti.Platform{}, lti.ErrPlatformNotFound
	}
	return platform, nil
}

func (m *memoryPlatformRepo) Create(ctx context.Context, platform lti.Platform) (lti.Platform, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.platforms[platform.Issuer]; ok {
		return existing, nil
	}
	m.platforms[platform.Issuer] = platform
	return platform, nil
}

type memorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]lti.LoginSession
}

func newMemorySessionStore() *memorySessionStore {
	return &memorySessionStore{sessions: make(map[string]lti.LoginSession)}
}

func (m *memorySessionStore) Save(ctx context.Context, id string, session lti.LoginSession, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = session
	return nil
}

func (m *memorySessionStore) Get(ctx context.Context, id string) (*lti.LoginSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (m *memorySessionStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

type memoryNonceLedger struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newMemoryNonceLedger() *memoryNonceLedger {
	return &memoryNonceLedger{seen: make(map[string]struct{})}
}

func (m *memoryNonceLedger) CheckAndRecord(ctx context.Context, issuer, nonce string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := issuer + ":" + nonce
	if _, ok := m.seen[key]; ok {
		return lti.ErrNonceReplayed
	}
	m.seen[key] = struct{}{}
	return nil
}

type memoryKeyRepo struct {
	mu      sync.Mutex
	records []lti.KeyRecord
}

func (m *memoryKeyRepo) Insert(ctx context.Context, record lti.KeyRecord) (lti.KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return record, nil
}

func (m *memoryKeyRepo) GetByKID(ctx context.Context, kid string) (lti.KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range m.records {
		if record.KID == kid {
			return record, nil
		}
	}
	return lti.KeyRecord{}, lti.ErrKeyNotFound
}

func (m *memoryKeyRepo) List(ctx context.Context) ([]lti.KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]lti.KeyRecord, len(m.records))
	copy(out, m.records)
	return out, nil
}

func (m *memoryKeyRepo) DeleteExpired(ctx context.Context, before int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []lti.KeyRecord
	var removed int64
	for _, record := range m.records {
		if record.ExpiresAt <= before {
			removed++
			continue
		}
		kept = append(kept, record)
	}
	m.records = kept
	return removed, nil
}

// fakePlatformClient serves a fixed key set and records outbound calls.
type fakePlatformClient struct {
	mu        sync.Mutex
	keySet    *jose.JSONWebKeySet
	token     *lti.TokenResponse
	keySetErr error

	tokenForms []url.Values
	tokenURLs  []string
	scores     []lti.Score
	scoreURLs  []string
	items      []lti.LineItem
	itemURLs   []string
	bearers    []string
}

func (f *fakePlatformClient) FetchKeySet(ctx context.Context, keysURL string) (*jose.JSONWebKeySet, error) {
	if f.keySetErr != nil {
		return nil, f.keySetErr
	}
	return f.keySet, nil
}

func (f *fakePlatformClient) RequestAccessToken(ctx context.Context, tokenURL string, form url.Values) (*lti.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenURLs = append(f.tokenURLs, tokenURL)
	f.tokenForms = append(f.tokenForms, form)
	if f.token == nil {
		return &lti.TokenResponse{AccessToken: "token", TokenType: "Bearer", ExpiresIn: 3600}, nil
	}
	return f.token, nil
}

func (f *fakePlatformClient) PostScore(ctx context.Context, scoresURL, bearerToken string, score lti.Score) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scoreURLs = append(f.scoreURLs, scoresURL)
	f.bearers = append(f.bearers, bearerToken)
	f.scores = append(f.scores, score)
	return nil
}

func (f *fakePlatformClient) PostLineItem(ctx context.Context, lineItemsURL, bearerToken string, item lti.LineItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.itemURLs = append(f.itemURLs, lineItemsURL)
	f.bearers = append(f.bearers, bearerToken)
	f.items = append(f.items, item)
	return nil
}
