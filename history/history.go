// Package history 把处理任务记录到 processing_history 表 (由目录迁移创建)
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// timeLayout 定宽, 保证 created_at 按文本排序即按时间排序
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

type Entry struct {
	JobID           string    `json:"job_id"`
	ModelID         string    `json:"model_id,omitempty"`
	SelectionReason string    `json:"selection_reason"`
	Explanation     string    `json:"explanation"`
	Attempts        int       `json:"attempts"`
	Status          Status    `json:"status"`
	Error           string    `json:"error,omitempty"`
	OutputPath      string    `json:"output_path,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record 写入一条记录, 同 job id 的旧记录被替换
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO processing_history
			(job_id, model_id, selection_reason, explanation, attempts, status, error_message, output_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.JobID, nullable(e.ModelID), e.SelectionReason, e.Explanation, e.Attempts,
		string(e.Status), nullable(e.Error), nullable(e.OutputPath), e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record job %s: %w", e.JobID, err)
	}
	return nil
}

// Recent 按时间倒序返回最多 limit 条记录
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, model_id, selection_reason, explanation, attempts, status, error_message, output_path, created_at
		FROM processing_history
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	entries := []Entry{}
	for rows.Next() {
		var (
			e                        Entry
			model, errMsg, out, when sql.NullString
			status                   string
		)
		if err := rows.Scan(&e.JobID, &model, &e.SelectionReason, &e.Explanation, &e.Attempts, &status, &errMsg, &out, &when); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.ModelID, e.Error, e.OutputPath = model.String, errMsg.String, out.String
		e.Status = Status(status)
		e.CreatedAt, _ = time.Parse(timeLayout, when.String)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune 删除 cutoff 之前的记录, 返回删除条数
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processing_history WHERE created_at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
