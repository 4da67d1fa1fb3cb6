package server

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/NicolasHaas/relaychat/pkg/model"
	"github.com/NicolasHaas/relaychat/pkg/protocol"
)

// Registry is the shared directory of logged-in sessions and their block sets.
// Both maps are guarded by one RWMutex: Broadcast and lookups take the read
// lock, every mutation takes the write lock. Deliveries happen under the read
// lock, so once Unregister returns the session never receives another one.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session            // canonical name -> session
	blocks   map[string]map[string]struct{} // canonical name -> names it refuses to hear
	closed   bool

	log     *slog.Logger
	metrics *Metrics
}

// NewRegistry creates an empty registry. A nil logger or metrics gets a default.
func NewRegistry(log *slog.Logger, metrics *Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		blocks:   make(map[string]map[string]struct{}),
		log:      log.With("component", "registry"),
		metrics:  metrics,
	}
}

// Register binds name to the session and adds it with an empty block set.
// A name that already has a live session is rejected; the existing session is
// left alone.
func (r *Registry) Register(s *Session, name string) error {
	key := model.CanonicalName(name)
	if key == "" {
		return model.ErrUsernameEmpty
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if existing, ok := r.sessions[key]; ok {
		if existing == s {
			return nil
		}
		return ErrNameTaken
	}
	if !s.bind(name) && s.key() != key {
		return ErrAlreadyLoggedIn
	}

	r.sessions[key] = s
	if _, ok := r.blocks[key]; !ok {
		r.blocks[key] = make(map[string]struct{})
	}
	return nil
}

// Unregister removes the session and its block set. It reports whether the
// session was registered; repeated calls and never-registered sessions are no-ops.
func (r *Registry) Unregister(s *Session) bool {
	key := s.key()
	if key == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.sessions[key]
	if !ok || cur != s {
		return false
	}
	delete(r.sessions, key)
	delete(r.blocks, key)
	return true
}

// Broadcast delivers msg to every session that has not blocked its sender and
// returns how many deliveries were queued. The sender's own session always gets
// the echo. A failing recipient is logged and skipped; a stalled one is aborted.
func (r *Registry) Broadcast(msg protocol.Message) int {
	sender := model.CanonicalName(msg.Sender)

	var stalled []*Session
	r.mu.RLock()
	delivered := 0
	for key, sess := range r.sessions {
		if key != sender {
			if _, blocked := r.blocks[key][sender]; blocked {
				r.metrics.FilteredDeliveries.Add(1)
				continue
			}
		}

		if err := sess.Deliver(msg); err != nil {
			r.metrics.DeliveryFailures.Add(1)
			if errors.Is(err, ErrSlowConsumer) {
				r.metrics.SlowConsumers.Add(1)
				stalled = append(stalled, sess)
				continue
			}
			r.log.Debug("delivery skipped", "user", sess.Name(), "err", err)
			continue
		}
		delivered++
	}
	r.mu.RUnlock()

	for _, sess := range stalled {
		r.log.Warn("recipient stalled, dropping connection", "user", sess.Name(), "session", sess.ID())
		sess.abort()
	}
	r.metrics.Deliveries.Add(int64(delivered))
	return delivered
}

// Block adds target to user's block set.
func (r *Registry) Block(user, target string) error {
	u, t := model.CanonicalName(user), model.CanonicalName(target)
	if t == "" {
		return ErrEmptyTarget
	}
	if u == t {
		return ErrSelfBlock
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	set, ok := r.blocks[u]
	if !ok {
		return ErrNotRegistered
	}
	if _, ok := r.sessions[t]; !ok {
		return ErrNotConnected
	}
	if _, ok := set[t]; ok {
		return ErrAlreadyBlocked
	}
	set[t] = struct{}{}
	return nil
}

// Unblock removes target from user's block set. The target does not have to be
// connected.
func (r *Registry) Unblock(user, target string) error {
	u, t := model.CanonicalName(user), model.CanonicalName(target)
	if t == "" {
		return ErrEmptyTarget
	}
	if u == t {
		return ErrSelfBlock
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	set, ok := r.blocks[u]
	if !ok {
		return ErrNotRegistered
	}
	if _, ok := set[t]; !ok {
		return ErrNotBlocked
	}
	delete(set, t)
	return nil
}

// Shutdown rejects further registrations, sends every session a SHUTDOWN
// notice, empties the registry and closes all sessions. It returns once every
// transport is closed. Later calls do nothing.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true

	notice := protocol.New(model.SystemSender, protocol.KindShutdown, "The server is shutting down.")
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		_ = s.Deliver(notice)
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.blocks = make(map[string]map[string]struct{})
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Close()
		}()
	}
	wg.Wait()
	r.log.Info("registry shut down", "closed_sessions", len(sessions))
}

// Closed reports whether Shutdown has run.
func (r *Registry) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Names returns the display names of all registered users, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sessions))
	for _, s := range r.sessions {
		names = append(names, s.Name())
	}
	sort.Strings(names)
	return names
}

// Lookup finds the session registered under name (case-insensitive).
func (r *Registry) Lookup(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[model.CanonicalName(name)]
	return s, ok
}

// BlockedBy returns the canonical names user has blocked, sorted. The second
// result is false if user is not registered.
func (r *Registry) BlockedBy(user string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.blocks[model.CanonicalName(user)]
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, true
}
