package store

import (
	"time"
)

// Scopes recognized on user records.
const (
	ScopeUser       = "user"
	ScopeAdminUsers = "admin:users"
)

// ArchiveRef is a lightweight reference from a user record to an archive the
// user owns.
type ArchiveRef struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// UserRecord is a registered account. Username and email (when set) are
// unique across all records. Records are never hard-deleted; suspension is
// the deletion substitute.
type UserRecord struct {
	ID              string       `json:"id"`
	Username        string       `json:"username"`
	Email           string       `json:"email,omitempty"`
	PasswordHash    string       `json:"password_hash"`
	Scopes          []string     `json:"scopes"`
	DiskQuota       int64        `json:"disk_quota,omitempty"` // bytes; 0 = platform default
	Suspended       bool         `json:"suspended,omitempty"`
	SuspendedReason string       `json:"suspended_reason,omitempty"`
	Archives        []ArchiveRef `json:"archives"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// HasScope returns true if the user carries the given capability scope.
func (u *UserRecord) HasScope(scope string) bool {
	for _, s := range u.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ArchiveNamed returns the user's archive reference with the given name, or
// nil if the user owns no archive by that name.
func (u *UserRecord) ArchiveNamed(name string) *ArchiveRef {
	for i := range u.Archives {
		if u.Archives[i].Name == name {
			return &u.Archives[i]
		}
	}
	return nil
}

// OwnsArchive returns true if the user's archive list references key.
func (u *UserRecord) OwnsArchive(key string) bool {
	for _, ref := range u.Archives {
		if ref.Key == key {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Store accessors hand out clones so callers
// never share mutable state with the store's in-memory indexes.
func (u *UserRecord) Clone() *UserRecord {
	c := *u
	c.Scopes = append([]string(nil), u.Scopes...)
	c.Archives = append([]ArchiveRef(nil), u.Archives...)
	return &c
}

// ArchiveRecord is the ownership metadata for one replicated archive. Key is
// globally unique and immutable; (OwnerID, Name) is unique.
type ArchiveRecord struct {
	Key       string    `json:"key"` // 64-char hex
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	DiskUsage int64     `json:"disk_usage,omitempty"` // last measured, bytes
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy of the record.
func (a *ArchiveRecord) Clone() *ArchiveRecord {
	c := *a
	return &c
}
