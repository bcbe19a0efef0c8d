package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"filler/internal/market"
)

// PendingRepository 在停机时保存队列中尚未提交的操作。
type PendingRepository struct {
	db *sql.DB
}

// NewPendingRepository 创建仓库，表结构由 NewSQLite 建立。
func NewPendingRepository(s *Store) (*PendingRepository, error) {
	if s == nil {
		return nil, fmt.Errorf("store: store 不能为空")
	}
	return &PendingRepository{db: s.DB()}, nil
}

// Save 按顺序追加保存操作。
func (r *PendingRepository) Save(ctx context.Context, ops []market.Operation) (err error) {
	if len(ops) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO pending_operations (payload, created_at) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("store: 预编译语句失败: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, op := range ops {
		payload, mErr := json.Marshal(op)
		if mErr != nil {
			return fmt.Errorf("store: 序列化操作失败: %w", mErr)
		}
		if _, err = stmt.ExecContext(ctx, string(payload), now); err != nil {
			return fmt.Errorf("store: 写入待提交操作失败: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: 提交事务失败: %w", err)
	}
	return nil
}

// Load 按保存顺序读取全部操作。
func (r *PendingRepository) Load(ctx context.Context) ([]market.Operation, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT payload FROM pending_operations ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: 查询待提交操作失败: %w", err)
	}
	defer rows.Close()

	var ops []market.Operation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("store: 解析待提交操作失败: %w", err)
		}
		var op market.Operation
		if err := json.Unmarshal([]byte(payload), &op); err != nil {
			return nil, fmt.Errorf("store: 反序列化待提交操作失败: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 读取待提交操作失败: %w", err)
	}
	return ops, nil
}

// Clear 删除全部已保存的操作。
func (r *PendingRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM pending_operations`); err != nil {
		return fmt.Errorf("store: 清空待提交操作失败: %w", err)
	}
	return nil
}
