package catalog

import (
	"context"
	"sync"
)

// MemoryStore 内存中的模型目录, 用于测试或不带数据库运行
type MemoryStore struct {
	models map[string]ModelInfo
	mu     sync.RWMutex
}

func NewMemoryStore(models ...ModelInfo) *MemoryStore {
	s := &MemoryStore{
		models: make(map[string]ModelInfo, len(models)),
	}
	for _, m := range models {
		s.models[m.ID] = m
	}
	return s
}

// Put 插入或替换同 id 的条目
func (s *MemoryStore) Put(m ModelInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[m.ID] = m
}

func (s *MemoryStore) Upsert(_ context.Context, m ModelInfo) error {
	s.Put(m)
	return nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]ModelInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ModelInfo, 0, len(s.models))
	for _, m := range s.models {
		if !filter.Match(&m) {
			continue
		}
		result = append(result, m)
	}
	SortModels(result)
	return result, nil
}
