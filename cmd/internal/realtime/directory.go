package realtime

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUserExists    = errors.New("realtime: user exists")
	ErrUserNotFound  = errors.New("realtime: user not found")
	ErrGroupExists   = errors.New("realtime: group exists")
	ErrGroupNotFound = errors.New("realtime: group not found")
)

type UserRecord struct {
	UID       string
	Name      string
	CreatedAt time.Time
}

type GroupRecord struct {
	GUID         string
	Name         string
	Type         string
	PasswordHash string
	OwnerUID     string
	MemberCount  int
	CreatedAt    time.Time
}

// DirectoryStore persists users, groups and group membership.
//
// Listings are ordered by name, then id, and filter by a case-insensitive
// substring of name or id when keyword is not empty.
type DirectoryStore interface {
	CreateUser(ctx context.Context, u UserRecord) error
	GetUser(ctx context.Context, uid string) (UserRecord, error)
	ListUsers(ctx context.Context, keyword string, limit int) ([]UserRecord, error)

	// CreateGroup stores g and makes its owner the first member.
	CreateGroup(ctx context.Context, g GroupRecord) error
	GetGroup(ctx context.Context, guid string) (GroupRecord, error)
	ListGroups(ctx context.Context, keyword string, limit int) ([]GroupRecord, error)

	// AddMember is idempotent; added is false when uid already was a member.
	AddMember(ctx context.Context, guid, uid string) (added bool, err error)
	IsMember(ctx context.Context, uid, guid string) (bool, error)
	GroupsOf(ctx context.Context, uid string) ([]string, error)
	Members(ctx context.Context, guid string) ([]string, error)
}

const (
	defaultDirectoryLimit = 100
	maxDirectoryLimit     = 500
)

func clampDirectoryLimit(n int) int {
	switch {
	case n <= 0:
		return defaultDirectoryLimit
	case n > maxDirectoryLimit:
		return maxDirectoryLimit
	default:
		return n
	}
}
