package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/internal/infra/storage"
)

var _ scanning.RepositoryStore = (*RepositoryStore)(nil)

const repositoryColumns = `id, tenant_id, name, url, default_branch, last_scanned_commit, access_token,
	webhook_secret, is_active, webhook_enabled`

// RepositoryStore reads repository records and advances their last scanned
// commit.
type RepositoryStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewRepositoryStore creates a RepositoryStore.
func NewRepositoryStore(pool *pgxpool.Pool, tracer trace.Tracer) *RepositoryStore {
	return &RepositoryStore{pool: pool, tracer: tracer}
}

// GetRepository loads a repository by id.
func (s *RepositoryStore) GetRepository(ctx context.Context, id uuid.UUID) (*scanning.Repository, error) {
	var repo *scanning.Repository
	attrs := storage.Attrs(attribute.String("repository_id", id.String()))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.repository.get", attrs, func(ctx context.Context) error {
		var err error
		repo, err = scanRepository(s.pool.QueryRow(ctx,
			`SELECT `+repositoryColumns+` FROM repositories WHERE id = $1`, id))
		return err
	})
	return repo, err
}

// FindWebhookRepository returns the active, webhook-enabled repository with
// the given clone URL.
func (s *RepositoryStore) FindWebhookRepository(ctx context.Context, url string) (*scanning.Repository, error) {
	var repo *scanning.Repository
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.repository.find_webhook", storage.Attrs(), func(ctx context.Context) error {
		var err error
		repo, err = scanRepository(s.pool.QueryRow(ctx, `
			SELECT `+repositoryColumns+` FROM repositories
			WHERE url = $1 AND is_active AND webhook_enabled
			ORDER BY created_at
			LIMIT 1`, url))
		return err
	})
	return repo, err
}

// UpdateLastScannedCommit records the commit of the latest completed scan.
func (s *RepositoryStore) UpdateLastScannedCommit(ctx context.Context, id uuid.UUID, commitHash string) error {
	attrs := storage.Attrs(
		attribute.String("repository_id", id.String()),
		attribute.String("commit", scanning.ShortHash(commitHash)),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.repository.update_last_commit", attrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE repositories SET last_scanned_commit = $2, updated_at = NOW() WHERE id = $1`,
			id, commitHash)
		if err != nil {
			return fmt.Errorf("updating last scanned commit: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return scanning.ErrRepositoryNotFound
		}
		return nil
	})
}

// UpsertRepository writes a repository record. The account service owns
// these rows; this is used by seeding and tests.
func (s *RepositoryStore) UpsertRepository(ctx context.Context, r *scanning.Repository) error {
	attrs := storage.Attrs(attribute.String("repository_id", r.ID.String()))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.repository.upsert", attrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO repositories (`+repositoryColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				tenant_id = EXCLUDED.tenant_id,
				name = EXCLUDED.name,
				url = EXCLUDED.url,
				default_branch = EXCLUDED.default_branch,
				last_scanned_commit = EXCLUDED.last_scanned_commit,
				access_token = EXCLUDED.access_token,
				webhook_secret = EXCLUDED.webhook_secret,
				is_active = EXCLUDED.is_active,
				webhook_enabled = EXCLUDED.webhook_enabled,
				updated_at = NOW()`,
			r.ID, r.TenantID, r.Name, r.URL, r.DefaultBranch, r.LastScannedCommit, r.AccessToken,
			r.WebhookSecret, r.IsActive, r.WebhookEnabled,
		)
		if err != nil {
			return fmt.Errorf("upserting repository: %w", err)
		}
		return nil
	})
}

func scanRepository(row pgx.Row) (*scanning.Repository, error) {
	var r scanning.Repository
	err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.URL, &r.DefaultBranch, &r.LastScannedCommit,
		&r.AccessToken, &r.WebhookSecret, &r.IsActive, &r.WebhookEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, scanning.ErrRepositoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning repository row: %w", err)
	}
	return &r, nil
}
