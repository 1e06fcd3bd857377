package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/ohq/internal/model"
)

// PostgresIdentityRepo はPostgreSQLを使用したidentityリポジトリ。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

const identityColumns = `id, provider, provider_user_id, email, name, is_superuser, created_at, updated_at`

func scanIdentity(row *sql.Row) (*model.Identity, error) {
	identity := &model.Identity{}
	err := row.Scan(
		&identity.ID, &identity.Provider, &identity.ProviderUserID,
		&identity.Email, &identity.Name, &identity.IsSuperuser,
		&identity.CreatedAt, &identity.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// FindByID は指定IDのidentityを取得する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByID(ctx context.Context, id int64) (*model.Identity, error) {
	identity, err := scanIdentity(r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = $1`,
		id,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	return identity, nil
}

// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	identity, err := scanIdentity(r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+`
		 FROM identities
		 WHERE provider = $1 AND provider_user_id = $2`,
		provider, providerUserID,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	return identity, nil
}

// Create はidentityを作成し、採番されたIDを設定する。
func (r *PostgresIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO identities (provider, provider_user_id, email, name, is_superuser)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at, updated_at`,
		identity.Provider, identity.ProviderUserID, identity.Email, identity.Name, identity.IsSuperuser,
	).Scan(&identity.ID, &identity.CreatedAt, &identity.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}
	return nil
}

// UpdateProfile はIdP側のメールアドレスと表示名を反映する。
func (r *PostgresIdentityRepo) UpdateProfile(ctx context.Context, id int64, email, name string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE identities SET email = $2, name = $3, updated_at = now() WHERE id = $1`,
		id, email, name,
	)
	if err != nil {
		return fmt.Errorf("failed to update identity: %w", err)
	}
	return nil
}

// compile-time interface check
var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
