package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/klpoland/lti-tool-provider/internal/domain/lti"
	"github.com/klpoland/lti-tool-provider/internal/keystore"
	"github.com/klpoland/lti-tool-provider/internal/repository"
)

// RegistryService manages platform registrations. Registration is
// idempotent: the first call for an issuer persists the record and seeds the
// signing keystore, later calls return the existing record untouched.
type RegistryService struct {
	platforms repository.PlatformRepository
	keystore  *keystore.Manager
	node      *snowflake.Node
	batchSize int
	logger    *zap.Logger
}

// NewRegistryService wires the registry.
func NewRegistryService(platforms repository.PlatformRepository, ks *keystore.Manager, node *snowflake.Node, batchSize int, logger *zap.Logger) *RegistryService {
	if batchSize <= 0 {
		batchSize = 4
	}
	if logger == nil {
		logger = zap.L()
	}
	return &RegistryService{
		platforms: platforms,
		keystore:  ks,
		node:      node,
		batchSize: batchSize,
		logger:    logger,
	}
}

// RegisterPlatformInput carries the platform metadata supplied at setup.
type RegisterPlatformInput struct {
	Issuer           string
	Name             string
	ClientID         string
	AuthorizationURL string
	AccessTokenURL   string
	ServiceURL       string
	RedirectURI      string
	AuthConfig       lti.AuthConfig
}

func (in RegisterPlatformInput) missingFields() []string {
	var missing []string
	require := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	require("issuer", in.Issuer)
	require("name", in.Name)
	require("client_id", in.ClientID)
	require("authorization_url", in.AuthorizationURL)
	require("access_token_url", in.AccessTokenURL)
	require("redirect_uri", in.RedirectURI)
	if strings.TrimSpace(in.AuthConfig.Method) == "" || strings.TrimSpace(in.AuthConfig.KeysURL) == "" {
		missing = append(missing, "auth_config")
	}
	return missing
}

// RegisterPlatform validates and persists a platform record. The existing
// record always wins over re-registration; only a first registration
// triggers signing-key generation.
func (s *RegistryService) RegisterPlatform(ctx context.Context, in RegisterPlatformInput) (lti.Platform, error) {
	if missing := in.missingFields(); len(missing) > 0 {
		err := &lti.RegistrationError{Missing: missing}
		s.logger.Warn("platform registration rejected", zap.Strings("missing", missing))
		return lti.Platform{}, err
	}

	existing, err := s.platforms.GetByIssuer(ctx, in.Issuer)
	if err == nil {
		s.logger.Info("platform already registered", zap.String("issuer", existing.Issuer))
		return existing, nil
	}
	if !errors.Is(err, lti.ErrPlatformNotFound) {
		return lti.Platform{}, fmt.Errorf("lookup platform: %w", err)
	}

	if _, err := s.keystore.GenerateBatch(ctx, s.batchSize); err != nil {
		return lti.Platform{}, fmt.Errorf("seed keystore: %w", err)
	}

	created, err := s.platforms.Create(ctx, lti.Platform{
		ID:               s.node.Generate().Int64(),
		Issuer:           in.Issuer,
		Name:             in.Name,
		ClientID:         in.ClientID,
		AuthorizationURL: in.AuthorizationURL,
		AccessTokenURL:   in.AccessTokenURL,
		ServiceURL:       in.ServiceURL,
		RedirectURI:      in.RedirectURI,
		AuthConfig:       in.AuthConfig,
	})
	if err != nil {
		return lti.Platform{}, fmt.Errorf("persist platform: %w", err)
	}

	s.logger.Info("platform registered", zap.String("issuer", created.Issuer), zap.String("name", created.Name))
	return created, nil
}
