package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const modelColumns = `id, name, version, provider, endpoint, dataset_notes, pros, cons, spec,
	tags, supports_marketplaces, created_at, updated_at, is_active, priority`

// SQLiteStore 基于 SQLite 的模型目录, 列表字段以 JSON 文本存储
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite 打开 (必要时创建) path 处的数据库并执行未完成的迁移
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: slog.Default()}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// WithLogger 设置解码告警使用的 logger
func (s *SQLiteStore) WithLogger(l *slog.Logger) *SQLiteStore {
	if l != nil {
		s.logger = l
	}
	return s
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// List 按 priority 降序, name 升序, version 升序返回匹配 filter 的条目
// 标签和市场在 JSON 列解码后再过滤
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]ModelInfo, error) {
	var conds []string
	var args []any
	if filter.ActiveOnly {
		conds = append(conds, "is_active = 1")
	}
	if filter.ID != "" {
		conds = append(conds, "id = ?")
		args = append(args, filter.ID)
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	query := fmt.Sprintf(`SELECT %s FROM models %s ORDER BY priority DESC, name ASC, version ASC`, modelColumns, where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	models := []ModelInfo{}
	for rows.Next() {
		m, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		if !filter.Match(&m) {
			continue
		}
		models = append(models, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate models: %w", err)
	}
	return models, nil
}

// Upsert 插入条目, 同 id 已存在时更新并保留原 created_at
func (s *SQLiteStore) Upsert(ctx context.Context, m ModelInfo) error {
	spec, err := json.Marshal(m.Spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}

	now := time.Now().UTC()
	created, updated := m.CreatedAt, m.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = now
	}

	active := 0
	if m.IsActive {
		active = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO models (`+modelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			provider = excluded.provider,
			endpoint = excluded.endpoint,
			dataset_notes = excluded.dataset_notes,
			pros = excluded.pros,
			cons = excluded.cons,
			spec = excluded.spec,
			tags = excluded.tags,
			supports_marketplaces = excluded.supports_marketplaces,
			updated_at = excluded.updated_at,
			is_active = excluded.is_active,
			priority = excluded.priority
	`,
		m.ID, m.Name, m.Version, m.Provider, m.Endpoint, m.DatasetNotes,
		encodeList(m.Pros), encodeList(m.Cons), string(spec),
		encodeList(m.Tags), encodeList(m.SupportsMarketplaces),
		created.Format(time.RFC3339), updated.Format(time.RFC3339), active, m.Priority,
	)
	if err != nil {
		return fmt.Errorf("upsert model %s: %w", m.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scan(row rowScanner) (ModelInfo, error) {
	var (
		m                              ModelInfo
		notes                          sql.NullString
		pros, cons, spec, tags, places sql.NullString
		created, updated               sql.NullString
		active                         int
	)
	err := row.Scan(
		&m.ID, &m.Name, &m.Version, &m.Provider, &m.Endpoint, &notes,
		&pros, &cons, &spec, &tags, &places,
		&created, &updated, &active, &m.Priority,
	)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("scan model: %w", err)
	}

	if notes.Valid {
		n := notes.String
		m.DatasetNotes = &n
	}
	m.Pros = s.decodeList(m.ID, "pros", pros)
	m.Cons = s.decodeList(m.ID, "cons", cons)
	m.Tags = dedupe(s.decodeList(m.ID, "tags", tags))
	m.SupportsMarketplaces = dedupe(s.decodeList(m.ID, "supports_marketplaces", places))

	m.Spec, err = ParseSpec([]byte(spec.String))
	if err != nil {
		s.logger.Warn("invalid model spec, using defaults", "model", m.ID, "error", err)
	}
	m.CreatedAt = parseTime(created.String)
	m.UpdatedAt = parseTime(updated.String)
	m.IsActive = active != 0
	return m, nil
}

// decodeList 缺失或非法的 JSON 视为空列表
func (s *SQLiteStore) decodeList(id, column string, raw sql.NullString) []string {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		s.logger.Warn("invalid JSON list column, treating as empty", "model", id, "column", column, "error", err)
		return []string{}
	}
	if out == nil {
		return []string{}
	}
	return out
}

func encodeList(values []string) string {
	if values == nil {
		values = []string{}
	}
	data, _ := json.Marshal(values)
	return string(data)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTime(v string) time.Time {
	v = strings.TrimSpace(v)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
