package catalog

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate 按文件名顺序执行 migrations 表中尚未记录的内嵌迁移
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			filename TEXT UNIQUE NOT NULL,
			executed_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	executed, err := s.executed(ctx, "migrations")
	if err != nil {
		return err
	}

	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		base := name[len("migrations/"):]
		if executed[base] {
			continue
		}
		script, err := migrationFiles.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", base, err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", base, err)
		}
		if _, err := tx.ExecContext(ctx, string(script)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("run migration %s: %w", base, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO migrations (filename) VALUES (?)`, base); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", base, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", base, err)
		}
		s.logger.Info("migration applied", "file", base)
	}
	return nil
}

func (s *SQLiteStore) executed(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT filename FROM %s`, table))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	done := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		done[name] = true
	}
	return done, rows.Err()
}

// AppliedFile 一条已执行的迁移或种子
type AppliedFile struct {
	Filename   string `json:"filename"`
	ExecutedAt string `json:"executed_at"`
}

// SchemaInfo 数据库诊断信息
type SchemaInfo struct {
	Tables     []string      `json:"tables"`
	Migrations []AppliedFile `json:"migrations_executed"`
	Seeds      []AppliedFile `json:"seeds_executed"`
}

func (s *SQLiteStore) SchemaInfo(ctx context.Context) (*SchemaInfo, error) {
	info := &SchemaInfo{Tables: []string{}, Migrations: []AppliedFile{}, Seeds: []AppliedFile{}}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan table: %w", err)
		}
		info.Tables = append(info.Tables, name)
	}
	_ = rows.Close()

	for _, t := range info.Tables {
		switch t {
		case "migrations":
			info.Migrations, err = s.appliedFiles(ctx, t)
		case "seeds":
			info.Seeds, err = s.appliedFiles(ctx, t)
		}
		if err != nil {
			return nil, err
		}
	}
	return info, nil
}

func (s *SQLiteStore) appliedFiles(ctx context.Context, table string) ([]AppliedFile, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT filename, executed_at FROM %s ORDER BY id`, table))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	files := []AppliedFile{}
	for rows.Next() {
		var f AppliedFile
		if err := rows.Scan(&f.Filename, &f.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
