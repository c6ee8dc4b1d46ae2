package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/outflow/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of GraphStore and
// ContextStore backed by maps. It is the backend for tests and
// single-process deployments that do not need crash durability.
type InMemoryStore struct {
	mu       sync.RWMutex
	graphs   map[string]map[int64]*api.FlowGraph
	latest   map[string]int64
	contexts map[string]*api.LeadContext
	leases   map[string]memLease
}

type memLease struct {
	owner   string
	expires time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		graphs:   make(map[string]map[int64]*api.FlowGraph),
		latest:   make(map[string]int64),
		contexts: make(map[string]*api.LeadContext),
		leases:   make(map[string]memLease),
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ GraphStore = (*InMemoryStore)(nil)

var _ ContextStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) PublishGraph(g *api.FlowGraph) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := s.latest[g.CampaignID] + 1
	stored := *g
	stored.Version = version

	if s.graphs[g.CampaignID] == nil {
		s.graphs[g.CampaignID] = make(map[int64]*api.FlowGraph)
	}
	s.graphs[g.CampaignID][version] = &stored
	s.latest[g.CampaignID] = version
	return version, nil
}

func (s *InMemoryStore) GetGraph(campaignID string, version int64) (*api.FlowGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.graphs[campaignID][version]
	if !ok {
		return nil, ErrGraphNotFound
	}
	// Graphs are read-only after validation; sharing the pointer is safe.
	return g, nil
}

func (s *InMemoryStore) LatestVersion(campaignID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.latest[campaignID]
	if !ok {
		return 0, ErrGraphNotFound
	}
	return v, nil
}

func (s *InMemoryStore) SaveContext(lc *api.LeadContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.contexts[lc.LeadID]; ok && !stored.Closed() {
		return ErrContextLive
	}
	lc.Revision = 1
	s.contexts[lc.LeadID] = lc.Clone()
	return nil
}

func (s *InMemoryStore) UpdateContext(lc *api.LeadContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.contexts[lc.LeadID]
	if !ok {
		return ErrContextNotFound
	}
	if stored.Revision != lc.Revision {
		return ErrVersionConflict
	}
	lc.Revision++
	s.contexts[lc.LeadID] = lc.Clone()
	return nil
}

func (s *InMemoryStore) GetContext(leadID string) (*api.LeadContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lc, ok := s.contexts[leadID]
	if !ok {
		return nil, ErrContextNotFound
	}
	return lc.Clone(), nil
}

func (s *InMemoryStore) ListContexts(opts api.ContextListOptions) ([]*api.LeadContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.LeadContext
	for _, lc := range s.contexts {
		if opts.CampaignID != "" && lc.CampaignID != opts.CampaignID {
			continue
		}
		if opts.Status != "" && lc.Status != opts.Status {
			continue
		}
		result = append(result, lc.Clone())
	}
	return result, nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, leadID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	l, ok := s.leases[leadID]
	if ok && l.owner != owner && l.expires.After(now) {
		return false, nil
	}
	s.leases[leadID] = memLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, leadID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[leadID]
	if !ok || l.owner != owner {
		return ErrLeaseNotHeld
	}
	s.leases[leadID] = memLease{owner: owner, expires: time.Now().Add(ttl)}
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, leadID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[leadID]; ok && l.owner == owner {
		delete(s.leases, leadID)
	}
	return nil
}
