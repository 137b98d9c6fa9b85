// Package store persists user and archive records. Records live in JSON
// files under the data directory and are fully indexed in memory; the store
// is the single source of truth for ownership metadata and may be read
// concurrently by any number of callers.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Store error types.
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

const (
	usersFile    = "users.json"
	archivesFile = "archives.json"
)

// keyPattern matches a content-addressed archive key: 64 lowercase hex chars.
var keyPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidKey reports whether s is a well-formed archive key.
func ValidKey(s string) bool {
	return keyPattern.MatchString(s)
}

// ListOptions controls range scans over records.
type ListOptions struct {
	Cursor  string // resume after this sort key (exclusive); empty = start
	Limit   int    // max records; 0 = no limit
	Reverse bool
}

// Store is a JSON-file backed record store with in-memory unique indexes.
type Store struct {
	dir string

	mu         sync.RWMutex
	users      map[string]*UserRecord    // id -> record
	byUsername map[string]string         // username -> id
	byEmail    map[string]string         // email -> id
	archives   map[string]*ArchiveRecord // key -> record
}

// Open loads (or initializes) a store rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Store{
		dir:        dir,
		users:      make(map[string]*UserRecord),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
		archives:   make(map[string]*ArchiveRecord),
	}

	var users []*UserRecord
	if err := s.loadJSON(usersFile, &users); err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	for _, u := range users {
		s.users[u.ID] = u
		s.byUsername[strings.ToLower(u.Username)] = u.ID
		if u.Email != "" {
			s.byEmail[strings.ToLower(u.Email)] = u.ID
		}
	}

	var archives []*ArchiveRecord
	if err := s.loadJSON(archivesFile, &archives); err != nil {
		return nil, fmt.Errorf("load archives: %w", err)
	}
	for _, a := range archives {
		s.archives[a.Key] = a
	}

	log.Debug().Int("users", len(s.users)).Int("archives", len(s.archives)).
		Str("dir", dir).Msg("store opened")
	return s, nil
}

// --- Users ---

// CreateUser persists a new user record. Fails with ErrConflict when the
// username or email is already taken.
func (s *Store) CreateUser(ctx context.Context, u *UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user id %s: %w", u.ID, ErrConflict)
	}
	if _, ok := s.byUsername[strings.ToLower(u.Username)]; ok {
		return fmt.Errorf("username %q: %w", u.Username, ErrConflict)
	}
	if u.Email != "" {
		if _, ok := s.byEmail[strings.ToLower(u.Email)]; ok {
			return fmt.Errorf("email %q: %w", u.Email, ErrConflict)
		}
	}

	now := time.Now().UTC()
	c := u.Clone()
	c.CreatedAt = now
	c.UpdatedAt = now

	s.users[c.ID] = c
	s.byUsername[strings.ToLower(c.Username)] = c.ID
	if c.Email != "" {
		s.byEmail[strings.ToLower(c.Email)] = c.ID
	}

	if err := s.saveUsersLocked(); err != nil {
		delete(s.users, c.ID)
		delete(s.byUsername, strings.ToLower(c.Username))
		delete(s.byEmail, strings.ToLower(c.Email))
		return err
	}

	*u = *c.Clone()
	return nil
}

// GetUser returns the user with the given id.
func (s *Store) GetUser(ctx context.Context, id string) (*UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u.Clone(), nil
}

// GetUserByUsername returns the user with the given username (case-insensitive).
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUsername[strings.ToLower(username)]
	if !ok {
		return nil, fmt.Errorf("username %q: %w", username, ErrNotFound)
	}
	return s.users[id].Clone(), nil
}

// GetUserByEmail returns the user with the given email (case-insensitive).
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, fmt.Errorf("email %q: %w", email, ErrNotFound)
	}
	return s.users[id].Clone(), nil
}

// UpdateUser replaces an existing user record. Username and email changes
// are re-checked against the unique indexes.
func (s *Store) UpdateUser(ctx context.Context, u *UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.users[u.ID]
	if !ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrNotFound)
	}

	if !strings.EqualFold(prev.Username, u.Username) {
		if _, taken := s.byUsername[strings.ToLower(u.Username)]; taken {
			return fmt.Errorf("username %q: %w", u.Username, ErrConflict)
		}
	}
	if u.Email != "" && !strings.EqualFold(prev.Email, u.Email) {
		if _, taken := s.byEmail[strings.ToLower(u.Email)]; taken {
			return fmt.Errorf("email %q: %w", u.Email, ErrConflict)
		}
	}

	c := u.Clone()
	c.CreatedAt = prev.CreatedAt
	c.UpdatedAt = time.Now().UTC()

	delete(s.byUsername, strings.ToLower(prev.Username))
	if prev.Email != "" {
		delete(s.byEmail, strings.ToLower(prev.Email))
	}
	s.users[c.ID] = c
	s.byUsername[strings.ToLower(c.Username)] = c.ID
	if c.Email != "" {
		s.byEmail[strings.ToLower(c.Email)] = c.ID
	}

	if err := s.saveUsersLocked(); err != nil {
		// Restore the previous record and indexes
		s.users[prev.ID] = prev
		s.byUsername[strings.ToLower(prev.Username)] = prev.ID
		if prev.Email != "" {
			s.byEmail[strings.ToLower(prev.Email)] = prev.ID
		}
		return err
	}

	*u = *c.Clone()
	return nil
}

// ListUsers returns user records ordered by username.
func (s *Store) ListUsers(ctx context.Context, opts ListOptions) ([]*UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	usernames := make([]string, 0, len(s.byUsername))
	for name := range s.byUsername {
		usernames = append(usernames, name)
	}
	sort.Strings(usernames)

	return scan(usernames, opts, func(name string) *UserRecord {
		return s.users[s.byUsername[name]].Clone()
	}), nil
}

// --- Archives ---

// CreateArchive persists a new archive record. Fails with ErrConflict when
// the key is taken or the owner already has an archive with that name.
func (s *Store) CreateArchive(ctx context.Context, a *ArchiveRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.archives[a.Key]; ok {
		return fmt.Errorf("archive key %s: %w", a.Key, ErrConflict)
	}
	for _, other := range s.archives {
		if other.OwnerID == a.OwnerID && other.Name == a.Name {
			return fmt.Errorf("archive name %q: %w", a.Name, ErrConflict)
		}
	}

	now := time.Now().UTC()
	c := a.Clone()
	c.CreatedAt = now
	c.UpdatedAt = now
	s.archives[c.Key] = c

	if err := s.saveArchivesLocked(); err != nil {
		delete(s.archives, c.Key)
		return err
	}

	*a = *c.Clone()
	return nil
}

// GetArchive returns the archive record for the given key.
func (s *Store) GetArchive(ctx context.Context, key string) (*ArchiveRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.archives[key]
	if !ok {
		return nil, fmt.Errorf("archive %s: %w", key, ErrNotFound)
	}
	return a.Clone(), nil
}

// DeleteArchive removes the archive record for the given key.
func (s *Store) DeleteArchive(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.archives[key]
	if !ok {
		return fmt.Errorf("archive %s: %w", key, ErrNotFound)
	}
	delete(s.archives, key)

	if err := s.saveArchivesLocked(); err != nil {
		s.archives[key] = prev
		return err
	}
	return nil
}

// SetArchiveUsage records the last measured disk usage for an archive. The
// persisted figure backs quota computation while the archive is not active.
// Unknown keys are ignored (the record may have been removed concurrently).
func (s *Store) SetArchiveUsage(ctx context.Context, key string, usage int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.archives[key]
	if !ok {
		return nil
	}
	if a.DiskUsage == usage {
		return nil
	}
	a.DiskUsage = usage
	a.UpdatedAt = time.Now().UTC()
	return s.saveArchivesLocked()
}

// ListArchivesByOwner returns all archive records owned by a user, ordered
// by name.
func (s *Store) ListArchivesByOwner(ctx context.Context, ownerID string) ([]*ArchiveRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*ArchiveRecord
	for _, a := range s.archives {
		if a.OwnerID == ownerID {
			result = append(result, a.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// ListArchives returns archive records ordered by key.
func (s *Store) ListArchives(ctx context.Context, opts ListOptions) ([]*ArchiveRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.archives))
	for k := range s.archives {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return scan(keys, opts, func(k string) *ArchiveRecord {
		return s.archives[k].Clone()
	}), nil
}

// scan applies cursor/limit/reverse semantics over sorted sort-keys.
func scan[T any](sorted []string, opts ListOptions, fetch func(string) T) []T {
	if opts.Reverse {
		reversed := make([]string, len(sorted))
		for i, k := range sorted {
			reversed[len(sorted)-1-i] = k
		}
		sorted = reversed
	}

	result := make([]T, 0, len(sorted))
	started := opts.Cursor == ""
	for _, k := range sorted {
		if !started {
			// Cursor is exclusive and need not name an existing record.
			if (!opts.Reverse && k > opts.Cursor) || (opts.Reverse && k < opts.Cursor) {
				started = true
			} else {
				continue
			}
		}
		result = append(result, fetch(k))
		if opts.Limit > 0 && len(result) >= opts.Limit {
			break
		}
	}
	return result
}

// --- Persistence ---

func (s *Store) saveUsersLocked() error {
	users := make([]*UserRecord, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return s.saveJSON(usersFile, users)
}

func (s *Store) saveArchivesLocked() error {
	archives := make([]*ArchiveRecord, 0, len(s.archives))
	for _, a := range s.archives {
		archives = append(archives, a)
	}
	sort.Slice(archives, func(i, j int) bool { return archives[i].Key < archives[j].Key })
	return s.saveJSON(archivesFile, archives)
}

// saveJSON atomically writes v to name via a temp file and rename, so a
// crash mid-write never truncates the previous snapshot.
func (s *Store) saveJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

func (s *Store) loadJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
