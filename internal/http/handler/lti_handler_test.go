package handler_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/klpoland/lti-tool-provider/internal/domain/lti"
	httpHandler "github.com/klpoland/lti-tool-provider/internal/http/handler"
	"github.com/klpoland/lti-tool-provider/internal/keystore"
	"github.com/klpoland/lti-tool-provider/internal/service"
)

const (
	testIssuer   = "https://platform.example.edu"
	testClientID = "client-123"
	testTarget   = "https://tool.example.com/launch"
)

type handlerHarness struct {
	handler   *httpHandler.LTIHandler
	platforms *memoryPlatformRepo
	sessions  *memorySessionStore
	keys      *memoryKeyRepo
	client    *fakePlatformClient
	key       *rsa.PrivateKey
	kid       string
}

func newHandlerHarness(t *testing.T) *handlerHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	kid := "platform-key-1"

	platforms := newMemoryPlatformRepo()
	sessions := newMemorySessionStore()
	keys := &memoryKeyRepo{}
	nonces := newMemoryNonceLedger()
	client := &fakePlatformClient{
		keySet: &jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &key.PublicKey,
			KeyID:     kid,
			Algorithm: "RS256",
			Use:       "sig",
		}}},
	}

	manager := keystore.NewManager(keys, nil, node, 2, zap.NewNop())
	login := service.NewLoginService(platforms, sessions, node, time.Hour, zap.NewNop())
	launch := service.NewLaunchService(sessions, nonces, client, time.Hour, zap.NewNop())
	grades := service.NewGradeService(manager, client, sessions, time.Hour, zap.NewNop())

	return &handlerHarness{
		handler:   httpHandler.NewLTIHandler(login, launch, grades, manager, zap.NewNop()),
		platforms: platforms,
		sessions:  sessions,
		keys:      keys,
		client:    client,
		key:       key,
		kid:       kid,
	}
}

func (h *handlerHarness) registerPlatform(t *testing.T) {
	t.Helper()
	_, err := h.platforms.Create(context.Background(), lti.Platform{
		ID:               1,
		Issuer:           testIssuer,
		Name:             "Example LMS",
		ClientID:         testClientID,
		AuthorizationURL: "https://platform.example.edu/auth",
		AccessTokenURL:   "https://platform.example.edu/token",
		RedirectURI:      "https://tool.example.com/redirect",
		AuthConfig: lti.AuthConfig{
			Method:  lti.AuthConfigMethodJWKSet,
			KeysURL: "https://platform.example.edu/jwks",
		},
	})
	require.NoError(t, err)
}

func formContext(t *testing.T, target string, form url.Values) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.Request = req
	return c, w
}

func TestInitiateLoginRedirects(t *testing.T) {
	h := newHandlerHarness(t)
	h.registerPlatform(t)

	form := url.Values{}
	form.Set("iss", testIssuer)
	form.Set("login_hint", "hint-1")
	form.Set("target_link_uri", testTarget)

	c, w := formContext(t, "https://tool.example.com/login", form)
	h.handler.InitiateLogin(c)
	c.Writer.WriteHeaderNow()

	res := w.Result()
	require.Equal(t, http.StatusFound, res.StatusCode)

	location, err := url.Parse(res.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/auth", location.Path)
	require.Equal(t, testClientID, location.Query().Get("client_id"))

	var sessionCookie *http.Cookie
	for _, cookie := range res.Cookies() {
		if cookie.Name == "lti_session" {
			sessionCookie = cookie
		}
	}
	require.NotNil(t, sessionCookie)
	require.True(t, sessionCookie.HttpOnly)
}

func TestInitiateLoginMissingFields(t *testing.T) {
	h := newHandlerHarness(t)

	c, w := formContext(t, "https://tool.example.com/login", url.Values{})
	h.handler.InitiateLogin(c)

	res := w.Result()
	body, _ := io.ReadAll(res.Body)
	_ = res.Body.Close()

	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.Contains(t, string(body), "Error with OIDC Login:")
	require.Contains(t, string(body), "issuer missing")
}

func TestHandleLaunchRedirectsToTarget(t *testing.T) {
	h := newHandlerHarness(t)
	h.registerPlatform(t)

	session := lti.LoginSession{
		ID: "session-1",
		LoginRequest: lti.LoginRequest{
			Issuer:        testIssuer,
			LoginHint:     "hint-1",
			TargetLinkURI: testTarget,
		},
		LoginResponse: lti.LoginResponse{State: "state-1", Nonce: "nonce-1"},
		Platform: lti.Platform{
			Issuer:   testIssuer,
			ClientID: testClientID,
			AuthConfig: lti.AuthConfig{
				Method:  lti.AuthConfigMethodJWKSet,
				KeysURL: "https://platform.example.edu/jwks",
			},
		},
	}
	require.NoError(t, h.sessions.Save(context.Background(), session.ID, session, time.Hour))

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: h.key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", h.kid),
	)
	require.NoError(t, err)

	now := time.Now()
	idToken, err := gojwt.Signed(signer).Claims(map[string]any{
		"iss":                  testIssuer,
		"aud":                  testClientID,
		"sub":                  "user-1",
		"iat":                  now.Unix(),
		"exp":                  now.Add(time.Hour).Unix(),
		"nonce":                "nonce-1",
		lti.ClaimMessageType:   lti.MessageTypeResourceLink,
		lti.ClaimVersion:       lti.SupportedLTIVersion,
		lti.ClaimDeploymentID:  "deployment-1",
		lti.ClaimTargetLinkURI: testTarget,
		lti.ClaimResourceLink:  map[string]any{"id": "resource-1"},
	}).Serialize()
	require.NoError(t, err)

	form := url.Values{}
	form.Set("state", "state-1")
	form.Set("id_token", idToken)

	c, w := formContext(t, "https://tool.example.com/redirect", form)
	c.Request.AddCookie(&http.Cookie{Name: "lti_session", Value: session.ID})
	h.handler.HandleLaunch(c)
	c.Writer.WriteHeaderNow()

	res := w.Result()
	require.Equal(t, http.StatusTemporaryRedirect, res.StatusCode)
	require.Equal(t, testTarget, res.Header.Get("Location"))
}

func TestHandleLaunchMissingCookie(t *testing.T) {
	h := newHandlerHarness(t)

	c, w := formContext(t, "https://tool.example.com/redirect", url.Values{})
	h.handler.HandleLaunch(c)

	res := w.Result()
	body, _ := io.ReadAll(res.Body)
	_ = res.Body.Close()

	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	var payload struct {
		Error  string   `json:"error"`
		Errors []string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Equal(t, "invalid_request", payload.Error)
	require.Equal(t, []string{"login session missing"}, payload.Errors)
}

func TestHandleLaunchStateMismatchBody(t *testing.T) {
	h := newHandlerHarness(t)
	session := lti.LoginSession{
		ID:            "session-1",
		LoginResponse: lti.LoginResponse{State: "state-1"},
	}
	require.NoError(t, h.sessions.Save(context.Background(), session.ID, session, time.Hour))

	form := url.Values{}
	form.Set("state", "other")
	form.Set("id_token", "irrelevant")

	c, w := formContext(t, "https://tool.example.com/redirect", form)
	c.Request.AddCookie(&http.Cookie{Name: "lti_session", Value: session.ID})
	h.handler.HandleLaunch(c)

	res := w.Result()
	body, _ := io.ReadAll(res.Body)
	_ = res.Body.Close()

	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.Contains(t, string(body), "OIDC launch invalid: state mismatch")
}

func TestJWKSNoKeys(t *testing.T) {
	h := newHandlerHarness(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "https://tool.example.com/.well-known/jwks.json", nil)

	h.handler.JWKS(c)

	res := w.Result()
	body, _ := io.ReadAll(res.Body)
	_ = res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "No platform registered.", string(body))
}

func TestJWKSPublishesKeys(t *testing.T) {
	h := newHandlerHarness(t)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	manager := keystore.NewManager(h.keys, nil, node, 2, zap.NewNop())
	_, err = manager.GenerateBatch(context.Background(), 2)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "https://tool.example.com/.well-known/jwks.json", nil)

	h.handler.JWKS(c)

	res := w.Result()
	body, _ := io.ReadAll(res.Body)
	_ = res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)

	var keySet lti.JWKS
	require.NoError(t, json.Unmarshal(body, &keySet))
	require.Len(t, keySet.Keys, 2)
	for _, jwk := range keySet.Keys {
		require.Equal(t, "RS256", jwk.Alg)
		require.Equal(t, "sig", jwk.Use)
		require.NotZero(t, jwk.Exp)
	}
}

func TestPostScoreWithoutLaunch(t *testing.T) {
	h := newHandlerHarness(t)
	session := lti.LoginSession{ID: "session-1"}
	require.NoError(t, h.sessions.Save(context.Background(), session.ID, session, time.Hour))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodPost, "https://tool.example.com/scores",
		strings.NewReader(`{"scoreGiven":85,"scoreMaximum":100}`))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: "lti_session", Value: session.ID})
	c.Request = req

	h.handler.PostScore(c)

	res := w.Result()
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

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

type fakePlatformClient struct {
	keySet *jose.JSONWebKeySet
}

func (f *fakePlatformClient) FetchKeySet(ctx context.Context, keysURL string) (*jose.JSONWebKeySet, error) {
	return f.keySet, nil
}

func (f *fakePlatformClient) RequestAccessToken(ctx context.Context, tokenURL string, form url.Values) (*lti.TokenResponse, error) {
	return &lti.TokenResponse{AccessToken: "token", TokenType: "Bearer", ExpiresIn: 3600}, nil
}

func (f *fakePlatformClient) PostScore(ctx context.Context, scoresURL, bearerToken string, score lti.Score) error {
	return nil
}

func (f *fakePlatformClient) PostLineItem(ctx context.Context, lineItemsURL, bearerToken string, item lti.LineItem) error {
	return nil
}
