package cache

import (
	"context"
	"sync"

	"github.com/lox/wandiskill/internal/verify"
)

// Memory is an in-process ReportCache used when no Redis address is
// configured. Reports are stored encoded so callers never share a value.
type Memory struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string][]byte)}
}

func (c *Memory) Get(_ context.Context, site, variable string) (*verify.Report, error) {
	c.mu.RLock()
	data, ok := c.entries[Key(site, variable)]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decode(data)
}

func (c *Memory) Set(_ context.Context, r *verify.Report) error {
	data, err := encode(r)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[Key(r.Site, r.Variable)] = data
	c.mu.Unlock()
	return nil
}

func (c *Memory) Delete(_ context.Context, site, variable string) error {
	c.mu.Lock()
	delete(c.entries, Key(site, variable))
	c.mu.Unlock()
	return nil
}
