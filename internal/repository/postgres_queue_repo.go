package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/ohq/internal/model"
)

// PostgresQueueRepo はPostgreSQLを使用したキューリポジトリ。
type PostgresQueueRepo struct {
	db *sql.DB
}

// NewPostgresQueueRepo はPostgresQueueRepoを生成する。
func NewPostgresQueueRepo(db *sql.DB) *PostgresQueueRepo {
	return &PostgresQueueRepo{db: db}
}

const queueColumns = `q.id, q.name, q.course_number, q.description, q.is_public, q.is_open,
	q.freeze_timeout_seconds, q.created_at, q.updated_at`

func queueScanDest(q *model.Queue) []any {
	return []any{
		&q.ID, &q.Name, &q.CourseNumber, &q.Description, &q.IsPublic, &q.IsOpen,
		&q.FreezeTimeoutSeconds, &q.CreatedAt, &q.UpdatedAt,
	}
}

// FindByID は指定IDのキューを取得する。見つからない場合はnilを返す。
func (r *PostgresQueueRepo) FindByID(ctx context.Context, id int64) (*model.Queue, error) {
	q := &model.Queue{}
	err := r.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM queues q WHERE q.id = $1`,
		id,
	).Scan(queueScanDest(q)...)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find queue: %w", err)
	}
	return q, nil
}

// ListWithAccess は全キューを、指定アカウントのスタッフ・学生・ピン留め状態と結合して返す。
// 並び順はIDの昇順。表示順の決定は呼び出し側で行う。
func (r *PostgresQueueRepo) ListWithAccess(ctx context.Context, accountID int64) ([]model.QueueAccess, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+queueColumns+`,
		        EXISTS (SELECT 1 FROM queue_staff s WHERE s.queue_id = q.id AND s.account_id = $1),
		        EXISTS (SELECT 1 FROM queue_students st WHERE st.queue_id = q.id AND st.account_id = $1),
		        EXISTS (SELECT 1 FROM queue_pins p WHERE p.queue_id = q.id AND p.account_id = $1)
		 FROM queues q
		 ORDER BY q.id`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	defer rows.Close()

	var result []model.QueueAccess
	for rows.Next() {
		var qa model.QueueAccess
		dest := append(queueScanDest(&qa.Queue), &qa.IsStaff, &qa.IsStudent, &qa.IsPinned)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan queue: %w", err)
		}
		result = append(result, qa)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queues: %w", err)
	}
	return result, nil
}

// Create はキューを作成し、creatorIDをスタッフとして同一トランザクションで登録する。
func (r *PostgresQueueRepo) Create(ctx context.Context, queue *model.Queue, creatorID int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO queues (name, course_number, description, is_public, is_open, freeze_timeout_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		queue.Name, queue.CourseNumber, queue.Description, queue.IsPublic, queue.IsOpen, queue.FreezeTimeoutSeconds,
	).Scan(&queue.ID, &queue.CreatedAt, &queue.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert queue: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO queue_staff (queue_id, account_id) VALUES ($1, $2)`,
		queue.ID, creatorID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert queue staff: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Update はキューの設定項目を更新する。対象が存在しない場合はfalseを返す。
func (r *PostgresQueueRepo) Update(ctx context.Context, queue *model.Queue) (bool, error) {
	err := r.db.QueryRowContext(ctx,
		`UPDATE queues
		 SET name = $2, course_number = $3, description = $4, is_public = $5, is_open = $6,
		     freeze_timeout_seconds = $7, updated_at = now()
		 WHERE id = $1
		 RETURNING updated_at`,
		queue.ID, queue.Name, queue.CourseNumber, queue.Description, queue.IsPublic, queue.IsOpen,
		queue.FreezeTimeoutSeconds,
	).Scan(&queue.UpdatedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to update queue: %w", err)
	}
	return true, nil
}

// ToggleOpen はis_openを反転し、更新後のキューを返す。見つからない場合はnilを返す。
func (r *PostgresQueueRepo) ToggleOpen(ctx context.Context, id int64) (*model.Queue, error) {
	q := &model.Queue{}
	err := r.db.QueryRowContext(ctx,
		`UPDATE queues q SET is_open = NOT q.is_open, updated_at = now()
		 WHERE q.id = $1
		 RETURNING `+queueColumns,
		id,
	).Scan(queueScanDest(q)...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to toggle queue: %w", err)
	}
	return q, nil
}

// Delete はキューを削除する。エントリ・メンバー・履歴はCASCADE削除される。
func (r *PostgresQueueRepo) Delete(ctx context.Context, id int64) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM queues WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete queue: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *PostgresQueueRepo) isMember(ctx context.Context, table string, queueID, accountID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+table+` WHERE queue_id = $1 AND account_id = $2)`,
		queueID, accountID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", table, err)
	}
	return exists, nil
}

func (r *PostgresQueueRepo) addMember(ctx context.Context, table string, queueID, accountID int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO `+table+` (queue_id, account_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		queueID, accountID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return nil
}

func (r *PostgresQueueRepo) removeMember(ctx context.Context, table string, queueID, accountID int64) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE queue_id = $1 AND account_id = $2`,
		queueID, accountID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return nil
}

func (r *PostgresQueueRepo) listMembers(ctx context.Context, table string, queueID int64) ([]*model.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+`
		 FROM accounts a
		 JOIN `+table+` m ON m.account_id = a.id
		 WHERE m.queue_id = $1
		 ORDER BY a.nickname DESC, a.id`,
		queueID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	return collectAccounts(rows)
}

// IsStaff はアカウントがキューのスタッフとして登録されているかを返す。
func (r *PostgresQueueRepo) IsStaff(ctx context.Context, queueID, accountID int64) (bool, error) {
	return r.isMember(ctx, "queue_staff", queueID, accountID)
}

// IsStudent はアカウントがキューの許可学生として登録されているかを返す。
func (r *PostgresQueueRepo) IsStudent(ctx context.Context, queueID, accountID int64) (bool, error) {
	return r.isMember(ctx, "queue_students", queueID, accountID)
}

// AddStaff はスタッフを追加する。
func (r *PostgresQueueRepo) AddStaff(ctx context.Context, queueID, accountID int64) error {
	return r.addMember(ctx, "queue_staff", queueID, accountID)
}

// RemoveStaff はスタッフを削除する。
func (r *PostgresQueueRepo) RemoveStaff(ctx context.Context, queueID, accountID int64) error {
	return r.removeMember(ctx, "queue_staff", queueID, accountID)
}

// AddStudent は許可学生を追加する。
func (r *PostgresQueueRepo) AddStudent(ctx context.Context, queueID, accountID int64) error {
	return r.addMember(ctx, "queue_students", queueID, accountID)
}

// RemoveStudent は許可学生を削除する。
func (r *PostgresQueueRepo) RemoveStudent(ctx context.Context, queueID, accountID int64) error {
	return r.removeMember(ctx, "queue_students", queueID, accountID)
}

// ListStaff はスタッフ一覧を返す。
func (r *PostgresQueueRepo) ListStaff(ctx context.Context, queueID int64) ([]*model.Account, error) {
	return r.listMembers(ctx, "queue_staff", queueID)
}

// ListStudents は許可学生一覧を返す。
func (r *PostgresQueueRepo) ListStudents(ctx context.Context, queueID int64) ([]*model.Account, error) {
	return r.listMembers(ctx, "queue_students", queueID)
}

// TogglePin はピン留め状態を反転し、反転後にピン留めされているかを返す。
// 削除できなければ追加する。同時実行時は後勝ちになる。
func (r *PostgresQueueRepo) TogglePin(ctx context.Context, queueID, accountID int64) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM queue_pins WHERE queue_id = $1 AND account_id = $2`,
		queueID, accountID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to unpin queue: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return false, nil
	}

	if err := r.addMember(ctx, "queue_pins", queueID, accountID); err != nil {
		return false, err
	}
	return true, nil
}

// compile-time interface check
var _ QueueRepository = (*PostgresQueueRepo)(nil)
