package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/klpoland/lti-tool-provider/internal/config"
	"github.com/klpoland/lti-tool-provider/internal/domain/lti"
	"github.com/klpoland/lti-tool-provider/internal/service"
)

// EnsurePlatform registers the env-configured platform at startup. Skipped
// when PLATFORM_ISSUER is unset so the tool can also be registered at
// runtime through the registry service.
func EnsurePlatform(lc fx.Lifecycle, cfg config.Config, registry *service.RegistryService, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return ensurePlatform(ctx, cfg, registry, logger)
		},
	})
}

func ensurePlatform(ctx context.Context, cfg config.Config, registry *service.RegistryService, logger *zap.Logger) error {
	if cfg.PlatformIssuer == "" {
		logger.Info("no platform configured, skipping bootstrap registration")
		return nil
	}

	platform, err := registry.RegisterPlatform(ctx, service.RegisterPlatformInput{
		Issuer:           cfg.PlatformIssuer,
		Name:             cfg.PlatformName,
		ClientID:         cfg.PlatformClientID,
		AuthorizationURL: cfg.PlatformAuthURL,
		AccessTokenURL:   cfg.PlatformTokenURL,
		ServiceURL:       cfg.PlatformServiceURL,
		RedirectURI:      cfg.ToolURL + "/redirect",
		AuthConfig: lti.AuthConfig{
			Method:  lti.AuthConfigMethodJWKSet,
			KeysURL: cfg.PlatformKeySetURL,
		},
	})
	if err != nil {
		var regErr *lti.RegistrationError
		if errors.As(err, &regErr) {
			return fmt.Errorf("platform bootstrap config incomplete: %w", regErr)
		}
		return fmt.Errorf("bootstrap platform: %w", err)
	}

	logger.Info("platform registered",
		zap.String("issuer", platform.Issuer),
		zap.String("client_id", platform.ClientID),
	)
	return nil
}
