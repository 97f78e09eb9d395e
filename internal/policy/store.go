package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Change describes a policy replacement. Old is nil for a new user and New
// is nil when the user was removed.
type Change struct {
	Username string
	Old      *UserPolicy
	New      *UserPolicy
}

// Store holds the current policy of every tracked user. Policies are
// immutable once stored: updates clone, validate and swap the pointer so a
// reader sees either the old or the new policy in full.
type Store struct {
	dir       string
	policies  map[string]*UserPolicy
	listeners []func(Change)
	logger    zerolog.Logger
	mu        sync.RWMutex
}

// NewStore creates a policy store backed by dir. An empty dir keeps
// policies in memory only.
func NewStore(dir string, logger zerolog.Logger) *Store {
	return &Store{
		dir:      dir,
		policies: make(map[string]*UserPolicy),
		logger:   logger.With().Str("component", "policy-store").Logger(),
	}
}

// OnChange registers fn to be called after every policy change. Callbacks
// run outside the store lock.
func (s *Store) OnChange(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Load reads every policy file in the store directory. Files that fail to
// parse are logged and skipped.
func (s *Store) Load() error {
	if s.dir == "" {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create policy directory: %w", err)
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to list policy directory: %w", err)
	}

	loaded := make(map[string]*UserPolicy)
	for _, entry := range entries {
		path := filepath.Join(s.dir, entry.Name())
		if entry.IsDir() || !isPolicyFile(path) {
			continue
		}
		p, err := readFile(path)
		if err != nil {
			s.logger.Error().Err(err).Str("path", path).Msg("Skipping invalid policy file")
			continue
		}
		loaded[p.Username] = p
	}

	s.mu.Lock()
	old := s.policies
	s.policies = loaded
	listeners := s.listeners
	s.mu.Unlock()

	s.logger.Info().Int("users", len(loaded)).Str("dir", s.dir).Msg("Policies loaded")

	for _, c := range diff(old, loaded) {
		for _, fn := range listeners {
			fn(c)
		}
	}
	return nil
}

// Get returns the current policy for username.
func (s *Store) Get(username string) (*UserPolicy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[username]
	return p, ok
}

// Users returns all usernames with a policy, sorted.
func (s *Store) Users() []string {
	s.mu.RLock()
	users := make([]string, 0, len(s.policies))
	for u := range s.policies {
		users = append(users, u)
	}
	s.mu.RUnlock()
	sort.Strings(users)
	return users
}

// Put stores p as the policy for p.Username.
func (s *Store) Put(p *UserPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return s.swap(p.Username, p.Clone())
}

// Update applies fn to a copy of the user's policy and stores the result.
// Nothing changes if fn or validation fails.
func (s *Store) Update(username string, fn func(*UserPolicy) error) error {
	cur, ok := s.Get(username)
	if !ok {
		return ErrUnknownUser
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	return s.swap(username, next)
}

func (s *Store) swap(username string, next *UserPolicy) error {
	s.mu.Lock()
	if s.dir != "" {
		if err := writeFile(s.dir, next); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	old := s.policies[username]
	s.policies[username] = next
	listeners := s.listeners
	s.mu.Unlock()

	s.logger.Debug().Str("user", username).Msg("Policy updated")

	c := Change{Username: username, Old: old, New: next}
	for _, fn := range listeners {
		fn(c)
	}
	return nil
}

// Watch reloads policy files when they change on disk until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	if s.dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if isPolicyFile(event.Name) {
					s.reloadFile(event)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn().Err(err).Msg("Policy watcher error")
			}
		}
	}()
	return nil
}

func (s *Store) reloadFile(event fsnotify.Event) {
	username := usernameFromPath(event.Name)

	var next *UserPolicy
	if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		p, err := readFile(event.Name)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				s.logger.Error().Err(err).Str("path", event.Name).Msg("Ignoring invalid policy change")
			}
			return
		}
		next = p
	}

	s.mu.Lock()
	old := s.policies[username]
	if next == nil {
		if _, err := os.Stat(event.Name); err == nil {
			s.mu.Unlock()
			return
		}
		delete(s.policies, username)
	} else {
		s.policies[username] = next
	}
	listeners := s.listeners
	s.mu.Unlock()

	if reflect.DeepEqual(old, next) {
		return
	}
	s.logger.Info().Str("user", username).Str("op", event.Op.String()).Msg("Policy file reloaded")
	c := Change{Username: username, Old: old, New: next}
	for _, fn := range listeners {
		fn(c)
	}
}

func diff(old, cur map[string]*UserPolicy) []Change {
	var changes []Change
	for u, p := range cur {
		if reflect.DeepEqual(old[u], p) {
			continue
		}
		changes = append(changes, Change{Username: u, Old: old[u], New: p})
	}
	for u, p := range old {
		if _, ok := cur[u]; !ok {
			changes = append(changes, Change{Username: u, Old: p})
		}
	}
	return changes
}
