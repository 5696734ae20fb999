package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/klpoland/lti-tool-provider/internal/domain/lti"
	"github.com/klpoland/lti-tool-provider/internal/repository"
)

const (
	stateLength = 30
	nonceLength = 25
)

// LoginService handles OIDC third-party-initiated login: it validates the
// platform's login request, binds a state/nonce pair to the session, and
// produces the redirect back to the platform's authorization endpoint.
type LoginService struct {
	platforms  repository.PlatformRepository
	sessions   repository.SessionStore
	node       *snowflake.Node
	sessionTTL time.Duration
	logger     *zap.Logger
}

// NewLoginService wires the login initiator.
func NewLoginService(platforms repository.PlatformRepository, sessions repository.SessionStore, node *snowflake.Node, sessionTTL time.Duration, logger *zap.Logger) *LoginService {
	if sessionTTL <= 0 {
		sessionTTL = time.Hour
	}
	if logger == nil {
		logger = zap.L()
	}
	return &LoginService{
		platforms:  platforms,
		sessions:   sessions,
		node:       node,
		sessionTTL: sessionTTL,
		logger:     logger,
	}
}

// InitiateLoginOutput is the result of a successful login initiation.
type InitiateLoginOutput struct {
	RedirectURL string
	Session     lti.LoginSession
}

// NewSessionID mints an identifier for a fresh browser session.
func (s *LoginService) NewSessionID() string {
	return s.node.Generate().String()
}

// InitiateLogin validates the inbound login request and builds the
// authorization redirect. Missing-field errors accumulate rather than
// short-circuiting; an unregistered issuer is reported alongside them.
func (s *LoginService) InitiateLogin(ctx context.Context, sessionID string, req lti.LoginRequest) (*InitiateLoginOutput, error) {
	var ruleErrors []string
	if strings.TrimSpace(req.Issuer) == "" {
		ruleErrors = append(ruleErrors, "issuer missing")
	}
	if strings.TrimSpace(req.LoginHint) == "" {
		ruleErrors = append(ruleErrors, "login hint missing")
	}
	if strings.TrimSpace(req.TargetLinkURI) == "" {
		ruleErrors = append(ruleErrors, "target link uri missing")
	}

	var platform lti.Platform
	if strings.TrimSpace(req.Issuer) != "" {
		var err error
		platform, err = s.platforms.GetByIssuer(ctx, req.Issuer)
		if err != nil {
			if errors.Is(err, lti.ErrPlatformNotFound) {
				ruleErrors = append(ruleErrors, "issuer invalid: not registered")
			} else {
				return nil, fmt.Errorf("lookup platform: %w", err)
			}
		}
	}
	if len(ruleErrors) > 0 {
		return nil, &lti.ValidationError{Errors: ruleErrors}
	}

	state, err := randomToken(stateLength)
	if err != nil {
		return nil, err
	}
	nonce, err := randomToken(nonceLength)
	if err != nil {
		return nil, err
	}

	response := lti.LoginResponse{
		Scope:        "openid",
		ResponseType: "id_token",
		ClientID:     platform.ClientID,
		RedirectURI:  platform.RedirectURI,
		LoginHint:    req.LoginHint,
		State:        state,
		ResponseMode: "form_post",
		Nonce:        nonce,
		Prompt:       "none",
		MessageHint:  req.MessageHint,
	}

	session := lti.LoginSession{
		ID:            sessionID,
		LoginRequest:  req,
		LoginResponse: response,
		Platform:      platform,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.sessions.Save(ctx, sessionID, session, s.sessionTTL); err != nil {
		return nil, fmt.Errorf("persist login session: %w", err)
	}

	redirect, err := buildAuthorizationRedirect(platform.AuthorizationURL, response)
	if err != nil {
		return nil, err
	}

	s.logger.Info("login initiated",
		zap.String("issuer", req.Issuer),
		zap.String("session_id", sessionID),
	)
	return &InitiateLoginOutput{RedirectURL: redirect, Session: session}, nil
}

func buildAuthorizationRedirect(authorizationURL string, response lti.LoginResponse) (string, error) {
	target, err := url.Parse(authorizationURL)
	if err != nil {
		return "", fmt.Errorf("parse authorization url: %w", err)
	}

	params := target.Query()
	params.Set("scope", response.Scope)
	params.Set("response_type", response.ResponseType)
	params.Set("client_id", response.ClientID)
	params.Set("redirect_uri", response.RedirectURI)
	params.Set("login_hint", response.LoginHint)
	params.Set("state", response.State)
	params.Set("response_mode", response.ResponseMode)
	params.Set("nonce", response.Nonce)
	params.Set("prompt", response.Prompt)
	if response.MessageHint != "" {
		params.Set("lti_message_hint", response.MessageHint)
	}
	target.RawQuery = params.Encode()
	return target.String(), nil
}
