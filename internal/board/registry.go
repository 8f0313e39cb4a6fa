package board

import (
	"context"
	"errors"
	"sort"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
)

// Registry holds at most one Session per Identity.
type Registry struct {
	sessions *hashmap.Map[string, *Session]
	logger   *logrus.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		sessions: hashmap.New[string, *Session](),
		logger:   logger,
	}
}

// Create registers a new session for kind and params. newDriver is only called when
// the identity is free. Fails with AnotherBoardIsCreated if the identity is taken.
func (r *Registry) Create(kind Kind, params InputParams, newDriver func() (Driver, error), opts ...SessionOption) (*Session, error) {
	id := NewIdentity(kind, params)
	if _, exists := r.sessions.Get(string(id)); exists {
		return nil, Errorf(AnotherBoardIsCreated, "create session", "session %s already exists", id)
	}

	driver, err := newDriver()
	if err != nil {
		return nil, err
	}

	session := NewSession(id, driver, r.logger, opts...)
	if _, loaded := r.sessions.GetOrInsert(string(id), session); loaded {
		_ = driver.Close()
		return nil, Errorf(AnotherBoardIsCreated, "create session", "session %s already exists", id)
	}

	r.logger.WithField("identity", id.String()).Debug("Session registered")
	return session, nil
}

// Get looks up a session.
func (r *Registry) Get(id Identity) (*Session, error) {
	s, ok := r.sessions.Get(string(id))
	if !ok {
		return nil, Errorf(BoardNotCreated, "get session", "no session %s", id)
	}
	return s, nil
}

// Destroy releases a session and removes it from the registry. The entry is removed
// even when release reports an error.
func (r *Registry) Destroy(ctx context.Context, id Identity) error {
	s, ok := r.sessions.Get(string(id))
	if !ok {
		return Errorf(BoardNotCreated, "destroy session", "no session %s", id)
	}

	err := s.ReleaseSession(ctx)
	r.sessions.Del(string(id))
	r.logger.WithField("identity", id.String()).Debug("Session destroyed")
	return err
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	return r.sessions.Len()
}

// Identities returns the registered identities in sorted order.
func (r *Registry) Identities() []Identity {
	ids := make([]Identity, 0, r.sessions.Len())
	r.sessions.Range(func(key string, _ *Session) bool {
		ids = append(ids, Identity(key))
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ReleaseAll destroys every registered session.
func (r *Registry) ReleaseAll(ctx context.Context) error {
	var errs []error
	for _, id := range r.Identities() {
		if err := r.Destroy(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
