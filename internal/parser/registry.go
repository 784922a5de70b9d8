package parser

import (
	"fmt"
	"sync"

	"github.com/andr-235/parseVK-sub000/internal/model"
)

// Registry 维护来源到解析器的映射。
type Registry struct {
	mu      sync.RWMutex
	parsers map[model.Source]Parser
}

func NewRegistry() *Registry {
	return &Registry{parsers: make(map[model.Source]Parser)}
}

// Register 注册（或替换）来源的解析器。
func (r *Registry) Register(source model.Source, p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[source] = p
}

// Get 返回来源的解析器。
func (r *Registry) Get(source model.Source) (Parser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[source]
	if !ok {
		return nil, fmt.Errorf("no parser registered for source %q", source)
	}
	return p, nil
}
