package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresHistoryRepo はPostgreSQLを使用したキュー閲覧履歴リポジトリ。
type PostgresHistoryRepo struct {
	db *sql.DB
}

// NewPostgresHistoryRepo はPostgresHistoryRepoを生成する。
func NewPostgresHistoryRepo(db *sql.DB) *PostgresHistoryRepo {
	return &PostgresHistoryRepo{db: db}
}

// Touch は (account, queue) の最終閲覧時刻をUPSERTする。
func (r *PostgresHistoryRepo) Touch(ctx context.Context, accountID, queueID int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO queue_history (account_id, queue_id, last_used_time)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (account_id, queue_id) DO UPDATE SET last_used_time = EXCLUDED.last_used_time`,
		accountID, queueID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert queue history: %w", err)
	}
	return nil
}

// ListRecentQueueIDs はアカウントが閲覧したキューIDを新しい順に返す。
func (r *PostgresHistoryRepo) ListRecentQueueIDs(ctx context.Context, accountID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT queue_id FROM queue_history
		 WHERE account_id = $1
		 ORDER BY last_used_time DESC, id DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue history: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan queue history: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue history: %w", err)
	}
	return ids, nil
}

// DeleteOlderThan はcutoffより古い履歴を削除し、削除件数を返す。
func (r *PostgresHistoryRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM queue_history WHERE last_used_time < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete queue history: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ HistoryRepository = (*PostgresHistoryRepo)(nil)
