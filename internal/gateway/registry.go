package gateway

import (
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/realmgate/internal/observability"
	"github.com/danmuck/realmgate/internal/protocol/frame"
	"github.com/google/uuid"
)

// Registry tracks live sessions by id and by bound identity.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[uuid.UUID]*Session
	byIdentity map[uint64]uuid.UUID
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:   make(map[uuid.UUID]*Session),
		byIdentity: make(map[uint64]uuid.UUID),
	}
}

func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.ID())
	}
	r.sessions[s.ID()] = s
	if identity := s.Identity(); identity != 0 {
		r.byIdentity[identity] = s.ID()
	}
	return nil
}

// Remove drops the session and any identity that still points at it.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return
	}
	delete(r.sessions, id)
	for identity, owner := range r.byIdentity {
		if owner == id {
			delete(r.byIdentity, identity)
		}
	}
}

func (r *Registry) Get(id uuid.UUID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// BindIdentity points identity at session id. A session holds at most one
// identity; a later bind of the same identity moves it to the newer session.
func (r *Registry) BindIdentity(id uuid.UUID, identity uint64) error {
	if identity == 0 {
		return ErrInvalidIdentity
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return fmt.Errorf("gateway: bind identity %d: unknown session %s", identity, id)
	}
	for prev, owner := range r.byIdentity {
		if owner == id && prev != identity {
			delete(r.byIdentity, prev)
		}
	}
	r.byIdentity[identity] = id
	return nil
}

func (r *Registry) SessionByIdentity(identity uint64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byIdentity[identity]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[id]
	return s, ok
}

// Deliver sends a backend reply to the session bound to identity.
func (r *Registry) Deliver(identity uint64, f frame.Frame) error {
	s, ok := r.SessionByIdentity(identity)
	if !ok {
		observability.RecordFrame(observability.DispositionDropped)
		return fmt.Errorf("%w: %d", ErrUnknownIdentity, identity)
	}
	if err := s.SendFrame(f); err != nil {
		observability.RecordFrame(observability.DispositionDropped)
		return err
	}
	observability.RecordFrame(observability.DispositionDelivered)
	return nil
}

// Snapshot lists sessions oldest first.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
