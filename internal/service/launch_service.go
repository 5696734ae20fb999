package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"go.uber.org/zap"

	"github.com/klpoland/lti-tool-provider/internal/adapter/platform"
	"github.com/klpoland/lti-tool-provider/internal/domain/lti"
	"github.com/klpoland/lti-tool-provider/internal/repository"
)

// maxIssuedAtAge bounds how old a launch token's iat may be.
const maxIssuedAtAge = 3600 * time.Second

// maxClaimLength caps identifier claims per the LTI spec.
const maxClaimLength = 255

// LaunchService validates inbound LTI launches in three phases: state and
// session binding, signature verification against the platform's published
// keys, and claim-rule evaluation. Claim rules accumulate every violation;
// only the structural preconditions short-circuit.
type LaunchService struct {
	sessions   repository.SessionStore
	nonces     repository.NonceLedger
	client     platform.Client
	sessionTTL time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewLaunchService wires the launch validator.
func NewLaunchService(sessions repository.SessionStore, nonces repository.NonceLedger, client platform.Client, sessionTTL time.Duration, logger *zap.Logger) *LaunchService {
	if sessionTTL <= 0 {
		sessionTTL = time.Hour
	}
	if logger == nil {
		logger = zap.L()
	}
	return &LaunchService{
		sessions:   sessions,
		nonces:     nonces,
		client:     client,
		sessionTTL: sessionTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// Session loads the login session bound to the browser, or
// lti.ErrSessionNotFound when it expired or never existed.
func (s *LaunchService) Session(ctx context.Context, id string) (*lti.LoginSession, error) {
	session, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return nil, lti.ErrSessionNotFound
	}
	return session, nil
}

// LaunchInput carries the inbound launch POST body.
type LaunchInput struct {
	State         string
	IDToken       string
	PlatformError string
	Raw           url.Values
}

// HandleLaunch runs the full validation pipeline. On success the decoded
// claims are stored on the session (write-once) and returned; callers then
// redirect to the claims' target link URI preserving POST semantics.
func (s *LaunchService) HandleLaunch(ctx context.Context, session *lti.LoginSession, in LaunchInput) (*lti.LaunchClaims, error) {
	if session == nil {
		return nil, lti.ErrSessionNotFound
	}
	if session.DecodedLaunch != nil {
		return nil, lti.ErrLaunchAlreadyValidated
	}

	// Structural preconditions: platform rejection and state binding are the
	// only short-circuiting checks.
	if in.PlatformError != "" {
		return nil, &lti.ValidationError{Errors: []string{
			fmt.Sprintf("login response was rejected: %s", in.PlatformError),
		}}
	}
	if in.State != session.LoginResponse.State {
		return nil, &lti.ValidationError{Errors: []string{"OIDC launch invalid: state mismatch"}}
	}

	std, custom, raw, err := s.verifyToken(ctx, session, in.IDToken)
	if err != nil {
		var valErr *lti.ValidationError
		if errors.As(err, &valErr) {
			return nil, valErr
		}
		return nil, err
	}

	ruleErrors, err := s.validateClaims(ctx, session, std, custom, raw)
	if err != nil {
		return nil, err
	}
	if len(ruleErrors) > 0 {
		s.logger.Warn("launch rejected",
			zap.String("issuer", session.LoginRequest.Issuer),
			zap.Strings("errors", ruleErrors),
		)
		return nil, &lti.ValidationError{Errors: ruleErrors}
	}

	session.DecodedLaunch = custom
	session.RawPayload = in.Raw
	if err := s.sessions.Save(ctx, session.ID, *session, s.sessionTTL); err != nil {
		return nil, fmt.Errorf("persist validated session: %w", err)
	}

	s.logger.Info("launch validated",
		zap.String("issuer", custom.Issuer),
		zap.String("deployment_id", custom.DeploymentID),
	)
	return custom, nil
}

// verifyToken decodes the token header without verification to read its kid,
// fetches the platform's key set, and verifies the RS256 signature with the
// matching key.
func (s *LaunchService) verifyToken(ctx context.Context, session *lti.LoginSession, idToken string) (*gojwt.Claims, *lti.LaunchClaims, map[string]any, error) {
	verificationFailure := func(cause error) error {
		return &lti.ValidationError{Errors: []string{fmt.Sprintf("could not verify token: %v", cause)}}
	}

	parsed, err := gojwt.ParseSigned(idToken, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return nil, nil, nil, verificationFailure(err)
	}
	if len(parsed.Headers) == 0 || parsed.Headers[0].KeyID == "" {
		return nil, nil, nil, verificationFailure(errors.New("token header missing kid"))
	}
	kid := parsed.Headers[0].KeyID

	keySet, err := s.client.FetchKeySet(ctx, session.Platform.AuthConfig.KeysURL)
	if err != nil {
		return nil, nil, nil, verificationFailure(err)
	}
	matches := keySet.Key(kid)
	if len(matches) == 0 {
		return nil, nil, nil, verificationFailure(fmt.Errorf("no key with kid %s", kid))
	}

	var (
		std gojwt.Claims
		raw map[string]any
	)
	if err := parsed.Claims(matches[0], &std, &raw); err != nil {
		return nil, nil, nil, verificationFailure(err)
	}

	// The typed projection tolerates wrong-typed fields; those surface as
	// claim-rule failures against the raw map instead of decode errors.
	var custom lti.LaunchClaims
	payload, err := json.Marshal(raw)
	if err != nil {
		return nil, nil, nil, verificationFailure(err)
	}
	if err := json.Unmarshal(payload, &custom); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return nil, nil, nil, verificationFailure(err)
		}
	}
	return &std, &custom, raw, nil
}

// validateClaims evaluates every claim rule, accumulating violations. The
// only hard error path is ledger unavailability, which is a network failure
// rather than a claim violation.
func (s *LaunchService) validateClaims(ctx context.Context, session *lti.LoginSession, std *gojwt.Claims, claims *lti.LaunchClaims, raw map[string]any) ([]string, error) {
	var ruleErrors []string
	fail := func(msg string) {
		ruleErrors = append(ruleErrors, msg)
	}
	now := s.now()
	isDeepLink := claims.IsDeepLink()

	if _, ok := raw[lti.ClaimMessageType]; !ok {
		fail("LTI message type missing")
	} else if claims.MessageType != lti.MessageTypeResourceLink && !isDeepLink {
		fail("LTI message type invalid")
	}

	if _, ok := raw[lti.ClaimVersion]; !ok {
		fail("LTI version missing")
	} else if claims.Version != lti.SupportedLTIVersion {
		fail("LTI version invalid")
	}

	if claims.Issuer == "" {
		fail("issuer missing")
	} else if claims.Issuer != session.LoginRequest.Issuer {
		fail("issuer invalid")
	}

	clientID := session.Platform.ClientID
	switch audience := raw["aud"].(type) {
	case nil:
		fail("audience missing")
	case string:
		if audience != clientID {
			fail("audience invalid")
		}
	case []any:
		if !containsAudience(audience, clientID) {
			fail("audience invalid")
		} else if azp, _ := raw["azp"].(string); azp != clientID {
			// Multiple audiences require an authorized party naming the tool.
			fail("authorized party invalid")
		}
	default:
		fail("audience invalid")
	}

	if alg, ok := raw["alg"]; ok {
		if algStr, _ := alg.(string); algStr != string(jose.RS256) {
			fail("algorithm invalid")
		}
	}

	if std.Expiry == nil {
		fail("expiration missing")
	} else if !now.Before(std.Expiry.Time()) {
		fail("expiration invalid")
	}

	if std.IssuedAt == nil {
		fail("issued at missing")
	} else if now.Add(-maxIssuedAtAge).After(std.IssuedAt.Time()) || now.Add(-maxIssuedAtAge).Equal(std.IssuedAt.Time()) {
		fail("issued at invalid")
	}

	if claims.Nonce == "" {
		fail("nonce missing")
	} else if err := s.nonces.CheckAndRecord(ctx, session.LoginRequest.Issuer, claims.Nonce); err != nil {
		if errors.Is(err, lti.ErrNonceReplayed) {
			fail("nonce reused: possible replay")
		} else {
			return nil, fmt.Errorf("nonce ledger: %w", err)
		}
	}

	if claims.DeploymentID == "" {
		fail("deployment id missing")
	} else if len(claims.DeploymentID) > maxClaimLength {
		fail("deployment id invalid")
	}

	if _, ok := raw[lti.ClaimTargetLinkURI]; !ok {
		fail("target link uri missing")
	} else if claims.TargetLinkURI == "" || claims.TargetLinkURI != session.LoginRequest.TargetLinkURI {
		fail("target link uri invalid")
	}

	if claims.ResourceLink != nil && claims.ResourceLink.ID != "" {
		if len(claims.ResourceLink.ID) > maxClaimLength {
			fail("resource link invalid")
		}
	} else if !isDeepLink {
		fail("resource link missing")
	}

	if claims.Subject == "" {
		fail("sub missing")
	} else if len(claims.Subject) > maxClaimLength {
		fail("sub invalid")
	}

	if rolesClaim, ok := raw[lti.ClaimRoles]; ok {
		if roles, _ := rolesClaim.([]any); len(roles) > 0 && !intersectsValidRoles(claims.Roles) {
			fail("role invalid")
		}
	}

	for _, field := range []string{"given_name", "family_name", "name"} {
		if value, ok := raw[field]; ok {
			if _, isString := value.(string); !isString {
				fail("name information invalid")
			}
		}
	}

	return ruleErrors, nil
}

func containsAudience(audience []any, clientID string) bool {
	for _, entry := range audience {
		if str, _ := entry.(string); str == clientID {
			return true
		}
	}
	return false
}

func intersectsValidRoles(roles []string) bool {
	for _, role := range roles {
		for _, valid := range lti.ValidRoles {
			if role == valid {
				return true
			}
		}
	}
	return false
}
