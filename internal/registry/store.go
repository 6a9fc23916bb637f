package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// -----------------------------------------------------------------------------
// Store Interface (swap implementations later)
// -----------------------------------------------------------------------------

// Store defines the persistence interface for the tool directory
type Store interface {
	Create(ctx context.Context, tool *Tool) error
	Get(ctx context.Context, toolID string) (*Tool, error)
	Update(ctx context.Context, tool *Tool) error
	List(ctx context.Context, activeOnly bool) ([]*Tool, error)
}

// -----------------------------------------------------------------------------
// In-Memory Store
// -----------------------------------------------------------------------------

// MemoryStore is a thread-safe in-memory implementation
type MemoryStore struct {
	mu    sync.RWMutex
	tools map[string]*Tool // toolID -> tool
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tools: make(map[string]*Tool)}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, tool *Tool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := strings.ToLower(tool.ToolID)
	if _, exists := m.tools[id]; exists {
		return ErrToolExists
	}

	cp := *tool
	cp.ToolID = id
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.tools[id] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, toolID string) (*Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tool, exists := m.tools[strings.ToLower(toolID)]
	if !exists {
		return nil, ErrToolNotFound
	}
	cp := *tool
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, tool *Tool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := strings.ToLower(tool.ToolID)
	if _, exists := m.tools[id]; !exists {
		return ErrToolNotFound
	}

	cp := *tool
	cp.ToolID = id
	cp.UpdatedAt = time.Now()
	m.tools[id] = &cp
	return nil
}

func (m *MemoryStore) List(ctx context.Context, activeOnly bool) ([]*Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Tool, 0, len(m.tools))
	for _, tool := range m.tools {
		if activeOnly && !tool.Active {
			continue
		}
		cp := *tool
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolID < out[j].ToolID })
	return out, nil
}
