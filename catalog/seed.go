package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const DefaultSeedName = "models.yaml"

//go:embed seeds/models.yaml
var defaultSeed []byte

// Seed 一批一起写入的目录条目, 以文件名区分
type Seed struct {
	Name   string
	Models []ModelInfo
}

type seedFile struct {
	Models []seedModel `yaml:"models"`
}

type seedModel struct {
	ID                   string         `yaml:"id" jsonschema:"required,minLength=1"`
	Name                 string         `yaml:"name" jsonschema:"required"`
	Version              string         `yaml:"version" jsonschema:"required"`
	Provider             string         `yaml:"provider" jsonschema:"required,enum=fal,enum=comfyui"`
	Endpoint             string         `yaml:"endpoint" jsonschema:"required,format=uri"`
	DatasetNotes         *string        `yaml:"dataset_notes"`
	Pros                 []string       `yaml:"pros"`
	Cons                 []string       `yaml:"cons"`
	Spec                 specDescriptor `yaml:"spec"`
	Tags                 []string       `yaml:"tags"`
	SupportsMarketplaces []string       `yaml:"supports_marketplaces"`
	IsActive             *bool          `yaml:"is_active" jsonschema:"default=true"`
	Priority             int            `yaml:"priority"`
}

// ParseSeed 解析 YAML 种子文件
func ParseSeed(name string, data []byte) (*Seed, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode seed %s: %w", name, err)
	}

	seed := &Seed{Name: name, Models: make([]ModelInfo, 0, len(f.Models))}
	seen := make(map[string]struct{}, len(f.Models))
	for i, sm := range f.Models {
		if sm.ID == "" {
			return nil, fmt.Errorf("seed %s: entry %d has no id", name, i)
		}
		if _, dup := seen[sm.ID]; dup {
			return nil, fmt.Errorf("seed %s: duplicate id %q", name, sm.ID)
		}
		seen[sm.ID] = struct{}{}

		active := true
		if sm.IsActive != nil {
			active = *sm.IsActive
		}
		seed.Models = append(seed.Models, ModelInfo{
			ID:                   sm.ID,
			Name:                 sm.Name,
			Version:              sm.Version,
			Provider:             sm.Provider,
			Endpoint:             sm.Endpoint,
			DatasetNotes:         sm.DatasetNotes,
			Pros:                 nonNil(sm.Pros),
			Cons:                 nonNil(sm.Cons),
			Spec:                 sm.Spec.spec(),
			Tags:                 dedupe(sm.Tags),
			SupportsMarketplaces: dedupe(sm.SupportsMarketplaces),
			IsActive:             active,
			Priority:             sm.Priority,
		})
	}
	return seed, nil
}

// DefaultSeed 返回内嵌在二进制中的默认目录
func DefaultSeed() *Seed {
	seed, err := ParseSeed(DefaultSeedName, defaultSeed)
	if err != nil {
		panic(err)
	}
	return seed
}

func LoadSeedFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(filepath.Base(path), data)
}

// Upserter 可写入目录条目的存储
type Upserter interface {
	Upsert(ctx context.Context, m ModelInfo) error
}

// Provision 把 seed 中的每个条目写入 u
func Provision(ctx context.Context, u Upserter, seed *Seed) error {
	for _, m := range seed.Models {
		if err := u.Upsert(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// ApplySeeds 每个种子只写入一次, 并记录到 seeds 表
// force 为 true 时重新写入已记录的种子
func (s *SQLiteStore) ApplySeeds(ctx context.Context, force bool, seeds ...*Seed) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS seeds (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			filename TEXT UNIQUE NOT NULL,
			executed_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create seeds table: %w", err)
	}

	executed, err := s.executed(ctx, "seeds")
	if err != nil {
		return err
	}

	var errs []error
	for _, seed := range seeds {
		if seed == nil {
			continue
		}
		if executed[seed.Name] && !force {
			continue
		}
		if err := Provision(ctx, s, seed); err != nil {
			errs = append(errs, fmt.Errorf("seed %s: %w", seed.Name, err))
			continue
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO seeds (filename) VALUES (?)
			ON CONFLICT(filename) DO UPDATE SET executed_at = CURRENT_TIMESTAMP
		`, seed.Name)
		if err != nil {
			errs = append(errs, fmt.Errorf("record seed %s: %w", seed.Name, err))
			continue
		}
		s.logger.Info("seed applied", "file", seed.Name, "models", len(seed.Models))
	}
	return errors.Join(errs...)
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
