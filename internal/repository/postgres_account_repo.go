package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hitoshi/ohq/internal/model"
)

// PostgresAccountRepo はPostgreSQLを使用したアカウントリポジトリ。
type PostgresAccountRepo struct {
	db *sql.DB
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

const accountColumns = `a.id, a.identity_id, a.is_admin, a.email, a.nickname, a.created_at, a.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	a := &model.Account{}
	if err := row.Scan(&a.ID, &a.IdentityID, &a.IsAdmin, &a.Email, &a.Nickname, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return a, nil
}

func (r *PostgresAccountRepo) findOne(ctx context.Context, query string, arg any) (*model.Account, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return a, nil
}

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByID(ctx context.Context, id int64) (*model.Account, error) {
	return r.findOne(ctx, `SELECT `+accountColumns+` FROM accounts a WHERE a.id = $1`, id)
}

// FindByIdentityID はidentityに紐づくアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByIdentityID(ctx context.Context, identityID int64) (*model.Account, error) {
	return r.findOne(ctx, `SELECT `+accountColumns+` FROM accounts a WHERE a.identity_id = $1`, identityID)
}

// Create はアカウントを作成し、採番されたIDを設定する。
func (r *PostgresAccountRepo) Create(ctx context.Context, account *model.Account) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO accounts (identity_id, is_admin, email, nickname)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at, updated_at`,
		account.IdentityID, account.IsAdmin, account.Email, account.Nickname,
	).Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// UpdateProfile はメールアドレスとニックネームを更新する。
func (r *PostgresAccountRepo) UpdateProfile(ctx context.Context, id int64, email, nickname string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET email = $2, nickname = $3, updated_at = now() WHERE id = $1`,
		id, email, nickname,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return nil
}

// SetAdmin はサイト管理者フラグを更新する。対象が存在しない場合はfalseを返す。
func (r *PostgresAccountRepo) SetAdmin(ctx context.Context, id int64, isAdmin bool) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET is_admin = $2, updated_at = now() WHERE id = $1`,
		id, isAdmin,
	)
	if err != nil {
		return false, fmt.Errorf("failed to set admin flag: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// Search はニックネームまたはメールアドレスに部分一致するアカウントを返す。
// excludeStaffOf が0でなければ、そのキューのスタッフを除外する。
func (r *PostgresAccountRepo) Search(ctx context.Context, query string, excludeStaffOf int64, limit int) ([]*model.Account, error) {
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+`
		 FROM accounts a
		 WHERE (lower(a.nickname) LIKE $1 OR lower(a.email) LIKE $1)
		   AND ($2::bigint = 0 OR NOT EXISTS (
		         SELECT 1 FROM queue_staff s WHERE s.queue_id = $2 AND s.account_id = a.id))
		 ORDER BY a.nickname, a.id
		 LIMIT $3`,
		pattern, excludeStaffOf, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search accounts: %w", err)
	}
	return collectAccounts(rows)
}

// SearchNonAdmins はサイト管理者でないアカウントから部分一致するものを返す。
func (r *PostgresAccountRepo) SearchNonAdmins(ctx context.Context, query string, limit int) ([]*model.Account, error) {
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+`
		 FROM accounts a
		 WHERE (lower(a.nickname) LIKE $1 OR lower(a.email) LIKE $1) AND NOT a.is_admin
		 ORDER BY a.nickname, a.id
		 LIMIT $2`,
		pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search accounts: %w", err)
	}
	return collectAccounts(rows)
}

// ListAdmins はサイト管理者の一覧を返す。
func (r *PostgresAccountRepo) ListAdmins(ctx context.Context) ([]*model.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts a WHERE a.is_admin ORDER BY a.nickname, a.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list admins: %w", err)
	}
	return collectAccounts(rows)
}

func collectAccounts(rows *sql.Rows) ([]*model.Account, error) {
	defer rows.Close()

	var accounts []*model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}
	return accounts, nil
}

// escapeLike はLIKEパターンのメタ文字をエスケープする。
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// compile-time interface check
var _ AccountRepository = (*PostgresAccountRepo)(nil)
