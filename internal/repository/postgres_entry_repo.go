package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/ohq/internal/model"
	"github.com/lib/pq"
)

// PostgresEntryRepo はPostgreSQLを使用したキューエントリリポジトリ。
type PostgresEntryRepo struct {
	db *sql.DB
}

// NewPostgresEntryRepo はPostgresEntryRepoを生成する。
func NewPostgresEntryRepo(db *sql.DB) *PostgresEntryRepo {
	return &PostgresEntryRepo{db: db}
}

// Create はエントリを作成する。(account, queue) が既に存在する場合はErrDuplicateを返す。
func (r *PostgresEntryRepo) Create(ctx context.Context, entry *model.Entry) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO entries (queue_id, account_id, question, status, join_time)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		entry.QueueID, entry.AccountID, entry.Question, entry.Status, entry.JoinTime,
	).Scan(&entry.ID)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create entry: %w", err)
	}
	return nil
}

// FindByAccountAndQueue はアカウントとキューでエントリを検索する。見つからない場合はnilを返す。
func (r *PostgresEntryRepo) FindByAccountAndQueue(ctx context.Context, accountID, queueID int64) (*model.Entry, error) {
	e := &model.Entry{}
	var helping sql.NullInt64
	var freeze sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT id, queue_id, account_id, question, status, join_time, helping_staff_id, freeze_time
		 FROM entries
		 WHERE account_id = $1 AND queue_id = $2`,
		accountID, queueID,
	).Scan(&e.ID, &e.QueueID, &e.AccountID, &e.Question, &e.Status, &e.JoinTime, &helping, &freeze)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find entry: %w", err)
	}
	if helping.Valid {
		e.HelpingStaffID = &helping.Int64
	}
	if freeze.Valid {
		e.FreezeTime = &freeze.Time
	}
	return e, nil
}

// ListViewsByQueue はキューの全エントリをjoin_time昇順で、ニックネームと結合して返す。
func (r *PostgresEntryRepo) ListViewsByQueue(ctx context.Context, queueID int64) ([]model.EntryView, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT e.id, e.queue_id, e.account_id, e.question, e.status, e.join_time,
		        e.helping_staff_id, e.freeze_time, a.nickname, h.nickname
		 FROM entries e
		 JOIN accounts a ON a.id = e.account_id
		 LEFT JOIN accounts h ON h.id = e.helping_staff_id
		 WHERE e.queue_id = $1
		 ORDER BY e.join_time, e.id`,
		queueID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	views := []model.EntryView{}
	for rows.Next() {
		var v model.EntryView
		var helping sql.NullInt64
		var freeze sql.NullTime
		var helpingName sql.NullString
		err := rows.Scan(
			&v.ID, &v.QueueID, &v.AccountID, &v.Question, &v.Status, &v.JoinTime,
			&helping, &freeze, &v.Nickname, &helpingName,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		if helping.Valid {
			id := helping.Int64
			v.HelpingStaffID = &id
		}
		if freeze.Valid {
			t := freeze.Time
			v.FreezeTime = &t
		}
		if helpingName.Valid {
			name := helpingName.String
			v.HelpingStaffName = &name
		}
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entries: %w", err)
	}
	return views, nil
}

// execAffected はUPDATE/DELETEを実行し、1行以上に作用したかを返す。
func (r *PostgresEntryRepo) execAffected(ctx context.Context, op, query string, args ...any) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteByAccountAndQueue はアカウントのエントリを削除する。削除した場合はtrueを返す。
func (r *PostgresEntryRepo) DeleteByAccountAndQueue(ctx context.Context, accountID, queueID int64) (bool, error) {
	return r.execAffected(ctx, "delete entry",
		`DELETE FROM entries WHERE account_id = $1 AND queue_id = $2`,
		accountID, queueID,
	)
}

// DeleteByIDAndQueue はキュー内の指定エントリを削除する。削除した場合はtrueを返す。
func (r *PostgresEntryRepo) DeleteByIDAndQueue(ctx context.Context, id, queueID int64) (bool, error) {
	return r.execAffected(ctx, "delete entry",
		`DELETE FROM entries WHERE id = $1 AND queue_id = $2`,
		id, queueID,
	)
}

// MarkHelping はエントリを対応中にする。キュー内に存在しない場合はfalseを返す。
func (r *PostgresEntryRepo) MarkHelping(ctx context.Context, id, queueID, staffID int64) (bool, error) {
	return r.execAffected(ctx, "mark entry helping",
		`UPDATE entries SET status = 'helping', helping_staff_id = $3, freeze_time = NULL
		 WHERE id = $1 AND queue_id = $2`,
		id, queueID, staffID,
	)
}

// MarkFrozen はエントリを凍結し、freeze_timeにatを記録する。キュー内に存在しない場合はfalseを返す。
func (r *PostgresEntryRepo) MarkFrozen(ctx context.Context, id, queueID int64, at time.Time) (bool, error) {
	return r.execAffected(ctx, "freeze entry",
		`UPDATE entries SET status = 'frozen', helping_staff_id = NULL, freeze_time = $3
		 WHERE id = $1 AND queue_id = $2`,
		id, queueID, at,
	)
}

// UnfreezeOwn は凍結中の自分のエントリを待機中に戻す。凍結中でなければfalseを返す。
func (r *PostgresEntryRepo) UnfreezeOwn(ctx context.Context, accountID, queueID int64) (bool, error) {
	return r.execAffected(ctx, "unfreeze entry",
		`UPDATE entries SET status = 'waiting', freeze_time = NULL
		 WHERE account_id = $1 AND queue_id = $2 AND status = 'frozen'`,
		accountID, queueID,
	)
}

// FreezeAllWaiting は待機中の全エントリをfreeze_timeなしで凍結し、件数を返す。
// freeze_timeを設定しないため自動解除の対象にならない。
func (r *PostgresEntryRepo) FreezeAllWaiting(ctx context.Context, queueID int64) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE entries SET status = 'frozen', freeze_time = NULL
		 WHERE queue_id = $1 AND status = 'waiting'`,
		queueID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to freeze waiting entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// UnfreezeExpired は指定エントリのうち、cutoff以前に凍結されたものを待機中に戻す。
// 判定後に再凍結されたエントリはfreeze_timeの条件で除外される。
func (r *PostgresEntryRepo) UnfreezeExpired(ctx context.Context, queueID int64, ids []int64, cutoff time.Time) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`UPDATE entries SET status = 'waiting', freeze_time = NULL
		 WHERE queue_id = $1 AND id = ANY($2)
		   AND status = 'frozen' AND freeze_time IS NOT NULL AND freeze_time <= $3
		 RETURNING id`,
		queueID, pq.Array(ids), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to unfreeze expired entries: %w", err)
	}
	defer rows.Close()

	var reverted []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan entry id: %w", err)
		}
		reverted = append(reverted, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entry ids: %w", err)
	}
	return reverted, nil
}

// compile-time interface check
var _ EntryRepository = (*PostgresEntryRepo)(nil)
