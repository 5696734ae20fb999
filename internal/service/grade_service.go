package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"

	"github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"go.uber.org/zap"

	"github.com/klpoland/lti-tool-provider/internal/adapter/platform"
	"github.com/klpoland/lti-tool-provider/internal/domain/lti"
	"github.com/klpoland/lti-tool-provider/internal/keystore"
	"github.com/klpoland/lti-tool-provider/internal/repository"
)

const (
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	assertionLifetime   = 30 * time.Minute
	codeVerifierLength  = 64

	lineItemWindow = 5 * 24 * time.Hour
)

// GradeService performs the service-to-service leg of LTI: it signs client
// assertions with the tool's own keys, exchanges them for platform access
// tokens, and posts scores and line items to the platform's AGS endpoints.
type GradeService struct {
	keystore   *keystore.Manager
	client     platform.Client
	sessions   repository.SessionStore
	sessionTTL time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewGradeService wires the grade-passback service.
func NewGradeService(ks *keystore.Manager, client platform.Client, sessions repository.SessionStore, sessionTTL time.Duration, logger *zap.Logger) *GradeService {
	if sessionTTL <= 0 {
		sessionTTL = time.Hour
	}
	if logger == nil {
		logger = zap.L()
	}
	return &GradeService{
		keystore:   ks,
		client:     client,
		sessions:   sessions,
		sessionTTL: sessionTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// BuildClientAssertion signs a short-lived JWT identifying the tool to the
// platform's token endpoint. The first published kid selects the key.
func (s *GradeService) BuildClientAssertion(ctx context.Context, session *lti.LoginSession) (string, error) {
	keySet, err := s.keystore.PublicKeySet(ctx)
	if err != nil {
		return "", fmt.Errorf("load tool keyset: %w", err)
	}
	kid := keySet.Keys[0].Kid

	key, err := s.keystore.PrivateKey(ctx, kid)
	if err != nil {
		return "", err
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", kid),
	)
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}

	jti := make([]byte, 16)
	if _, err := rand.Read(jti); err != nil {
		return "", fmt.Errorf("generate jti: %w", err)
	}

	now := s.now().UTC()
	claims := gojwt.Claims{
		Issuer:   session.Platform.ClientID,
		Subject:  session.Platform.ClientID,
		Audience: gojwt.Audience{session.Platform.AccessTokenURL},
		IssuedAt: gojwt.NewNumericDate(now),
		Expiry:   gojwt.NewNumericDate(now.Add(assertionLifetime)),
		ID:       hex.EncodeToString(jti),
	}

	assertion, err := gojwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize assertion: %w", err)
	}
	return assertion, nil
}

// ExchangeForAccessToken trades a client assertion for a platform access
// token scoped to the requested AGS operations.
func (s *GradeService) ExchangeForAccessToken(ctx context.Context, session *lti.LoginSession, scope string) (*lti.TokenResponse, error) {
	assertion, err := s.BuildClientAssertion(ctx, session)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", clientAssertionType)
	form.Set("client_assertion", assertion)
	form.Set("scope", scope)

	token, err := s.client.RequestAccessToken(ctx, session.Platform.AccessTokenURL, form)
	if err != nil {
		return nil, fmt.Errorf("exchange assertion: %w", err)
	}
	return token, nil
}

// PostScore sends a completed, fully graded score for the launched user to
// the line item advertised by the launch.
func (s *GradeService) PostScore(ctx context.Context, session *lti.LoginSession, scoreGiven, scoreMaximum float64) error {
	endpoint, err := launchEndpoint(session, lti.ScopeScore)
	if err != nil {
		return err
	}
	// The AGS claim may carry only the collection URL; scores need the
	// per-link line item.
	if endpoint.LineItem == "" {
		return lti.ErrLineItemUnavailable
	}

	token, err := s.ExchangeForAccessToken(ctx, session, lti.ScopeScore)
	if err != nil {
		return err
	}

	score := lti.Score{
		UserID:           session.DecodedLaunch.Subject,
		ScoreGiven:       scoreGiven,
		ScoreMaximum:     scoreMaximum,
		Timestamp:        s.now().UTC().Format(time.RFC3339),
		ActivityProgress: "Completed",
		GradingProgress:  "FullyGraded",
	}
	if err := s.client.PostScore(ctx, endpoint.LineItem+"/scores", token.AccessToken, score); err != nil {
		return fmt.Errorf("post score: %w", err)
	}

	s.logger.Info("score posted",
		zap.String("user_id", score.UserID),
		zap.Float64("score", scoreGiven),
	)
	return nil
}

// CreateLineItem creates a gradable activity on the platform for the
// launched resource link.
func (s *GradeService) CreateLineItem(ctx context.Context, session *lti.LoginSession, label string, scoreMaximum float64) error {
	endpoint, err := launchEndpoint(session, lti.ScopeLineItem)
	if err != nil {
		return err
	}
	if session.DecodedLaunch.ResourceLink == nil {
		return lti.ErrScopeUnavailable
	}

	token, err := s.ExchangeForAccessToken(ctx, session, lti.ScopeLineItems)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	item := lti.LineItem{
		ScoreMaximum:   scoreMaximum,
		Label:          label,
		ResourceLinkID: session.DecodedLaunch.ResourceLink.ID,
		Tag:            "graded",
		StartDateTime:  now,
		EndDateTime:    now.Add(lineItemWindow),
	}
	if err := s.client.PostLineItem(ctx, endpoint.LineItems, token.AccessToken, item); err != nil {
		return fmt.Errorf("create line item: %w", err)
	}

	s.logger.Info("line item created", zap.String("label", label))
	return nil
}

// AuthorizationCodeURL builds a PKCE authorization-code request for flows
// where the platform grants scopes through the browser. The code verifier and
// state are stored on the session so the code callback can verify both before
// the token exchange.
func (s *GradeService) AuthorizationCodeURL(ctx context.Context, session *lti.LoginSession, scope string) (string, error) {
	verifier, err := randomToken(codeVerifierLength)
	if err != nil {
		return "", err
	}
	state, err := randomToken(stateLength)
	if err != nil {
		return "", err
	}

	session.CodeVerifier = verifier
	session.AuthState = state
	if err := s.sessions.Save(ctx, session.ID, *session, s.sessionTTL); err != nil {
		return "", fmt.Errorf("persist code verifier: %w", err)
	}

	target, err := url.Parse(session.Platform.AuthorizationURL)
	if err != nil {
		return "", fmt.Errorf("parse authorization url: %w", err)
	}
	params := target.Query()
	params.Set("response_type", "code")
	params.Set("client_id", session.Platform.ClientID)
	params.Set("redirect_uri", session.Platform.RedirectURI)
	params.Set("scope", scope)
	params.Set("state", state)
	params.Set("code_challenge", pkceChallenge(verifier))
	params.Set("code_challenge_method", "S256")
	target.RawQuery = params.Encode()
	return target.String(), nil
}

func launchEndpoint(session *lti.LoginSession, scope string) (*lti.AGSEndpoint, error) {
	if session == nil || session.DecodedLaunch == nil {
		return nil, lti.ErrLaunchNotValidated
	}
	endpoint := session.DecodedLaunch.Endpoint
	if endpoint == nil {
		return nil, lti.ErrScopeUnavailable
	}
	for _, granted := range endpoint.Scope {
		if granted == scope {
			return endpoint, nil
		}
	}
	return nil, lti.ErrScopeUnavailable
}
