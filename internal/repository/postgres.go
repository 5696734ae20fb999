package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/klpoland/lti-tool-provider/internal/domain/lti"
)

var (
	_ PlatformRepository = (*PostgresPlatformRepo)(nil)
	_ KeyRepository      = (*PostgresKeyRepo)(nil)
)

// PgxPool is the slice of the pgx pool API the repositories use. It is
// implemented by *pgxpool.Pool and by pgxmock pools in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresPlatformRepo implements PlatformRepository over pgx.
type PostgresPlatformRepo struct {
	pool PgxPool
}

func NewPostgresPlatformRepo(pool PgxPool) *PostgresPlatformRepo {
	return &PostgresPlatformRepo{pool: pool}
}

func (r *PostgresPlatformRepo) GetByIssuer(ctx context.Context, issuer string) (lti.Platform, error) {
	const query = `
		SELECT id, issuer, name, client_id, authorization_url, access_token_url,
		       COALESCE(service_url, ''), redirect_uri, auth_config, created_at
		FROM lti_platforms
		WHERE issuer = $1`

	var (
		platform   lti.Platform
		authConfig []byte
	)
	err := r.pool.QueryRow(ctx, query, issuer).Scan(
		&platform.ID,
		&platform.Issuer,
		&platform.Name,
		&platform.ClientID,
		&platform.AuthorizationURL,
		&platform.AccessTokenURL,
		&platform.ServiceURL,
		&platform.RedirectURI,
		&authConfig,
		&platform.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return lti.Platform{}, fmt.Errorf("get platform: %w", lti.ErrPlatformNotFound)
		}
		return lti.Platform{}, fmt.Errorf("get platform: %w", err)
	}
	if len(authConfig) > 0 {
		if err := json.Unmarshal(authConfig, &platform.AuthConfig); err != nil {
			return lti.Platform{}, fmt.Errorf("decode auth config: %w", err)
		}
	}
	return platform, nil
}

func (r *PostgresPlatformRepo) Create(ctx context.Context, platform lti.Platform) (lti.Platform, error) {
	authConfig, err := json.Marshal(platform.AuthConfig)
	if err != nil {
		return lti.Platform{}, fmt.Errorf("encode auth config: %w", err)
	}

	const query = `
		INSERT INTO lti_platforms (id, issuer, name, client_id, authorization_url,
			access_token_url, service_url, redirect_uri, auth_config)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)
		ON CONFLICT (issuer) DO NOTHING
		RETURNING created_at`

	err = r.pool.QueryRow(ctx, query,
		platform.ID,
		platform.Issuer,
		platform.Name,
		platform.ClientID,
		platform.AuthorizationURL,
		platform.AccessTokenURL,
		platform.ServiceURL,
		platform.RedirectURI,
		authConfig,
	).Scan(&platform.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflict on issuer: another registration won the race, return it.
			return r.GetByIssuer(ctx, platform.Issuer)
		}
		return lti.Platform{}, fmt.Errorf("insert platform: %w", err)
	}
	return platform, nil
}

// PostgresKeyRepo implements KeyRepository over pgx.
type PostgresKeyRepo struct {
	pool PgxPool
}

func NewPostgresKeyRepo(pool PgxPool) *PostgresKeyRepo {
	return &PostgresKeyRepo{pool: pool}
}

func (r *PostgresKeyRepo) Insert(ctx context.Context, record lti.KeyRecord) (lti.KeyRecord, error) {
	const query = `
		INSERT INTO lti_signing_keys (id, kid, public_key_pem, encrypted_private_key_pem,
			algorithm, key_use, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`

	err := r.pool.QueryRow(ctx, query,
		record.ID,
		record.KID,
		record.PublicKeyPEM,
		record.EncryptedPrivateKeyPEM,
		record.Algorithm,
		record.Use,
		record.ExpiresAt,
	).Scan(&record.CreatedAt)
	if err != nil {
		return lti.KeyRecord{}, fmt.Errorf("insert key: %w", err)
	}
	return record, nil
}

func (r *PostgresKeyRepo) GetByKID(ctx context.Context, kid string) (lti.KeyRecord, error) {
	const query = `
		SELECT id, kid, public_key_pem, encrypted_private_key_pem, algorithm,
		       key_use, expires_at, created_at
		FROM lti_signing_keys
		WHERE kid = $1`

	var record lti.KeyRecord
	err := r.pool.QueryRow(ctx, query, kid).Scan(
		&record.ID,
		&record.KID,
		&record.PublicKeyPEM,
		&record.EncryptedPrivateKeyPEM,
		&record.Algorithm,
		&record.Use,
		&record.ExpiresAt,
		&record.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return lti.KeyRecord{}, fmt.Errorf("get key: %w", lti.ErrKeyNotFound)
		}
		return lti.KeyRecord{}, fmt.Errorf("get key: %w", err)
	}
	return record, nil
}

func (r *PostgresKeyRepo) List(ctx context.Context) ([]lti.KeyRecord, error) {
	const query = `
		SELECT id, kid, public_key_pem, encrypted_private_key_pem, algorithm,
		       key_use, expires_at, created_at
		FROM lti_signing_keys
		ORDER BY expires_at`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var records []lti.KeyRecord
	for rows.Next() {
		var record lti.KeyRecord
		if err := rows.Scan(
			&record.ID,
			&record.KID,
			&record.PublicKeyPEM,
			&record.EncryptedPrivateKeyPEM,
			&record.Algorithm,
			&record.Use,
			&record.ExpiresAt,
			&record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return records, nil
}

func (r *PostgresKeyRepo) DeleteExpired(ctx context.Context, before int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM lti_signing_keys WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
