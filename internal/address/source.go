package address

import (
	"context"
	"sync"
)

// StaticSource hands out addresses from a fixed list. Used in development
// mode and tests; production loads a pre-generated pool or an HD gateway.
type StaticSource struct {
	mu    sync.Mutex
	addrs []string
	next  int
}

// NewStaticSource creates a source over the given address list.
func NewStaticSource(addrs []string) *StaticSource {
	return &StaticSource{addrs: addrs}
}

func (s *StaticSource) NextAddress(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next >= len(s.addrs) {
		return "", ErrPoolExhausted
	}
	addr := s.addrs[s.next]
	s.next++
	return addr, nil
}

// Remaining reports how many addresses are left, for health checks.
func (s *StaticSource) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.addrs) - s.next
}
