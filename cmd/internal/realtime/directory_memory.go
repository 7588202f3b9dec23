package realtime

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// InMemoryDirectory is the DirectoryStore used when no database is configured.
type InMemoryDirectory struct {
	mu      sync.RWMutex
	users   map[string]UserRecord
	groups  map[string]GroupRecord
	members map[string]map[string]struct{} // guid -> uids
}

func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{
		users:   make(map[string]UserRecord),
		groups:  make(map[string]GroupRecord),
		members: make(map[string]map[string]struct{}),
	}
}

func (d *InMemoryDirectory) CreateUser(ctx context.Context, u UserRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[u.UID]; ok {
		return ErrUserExists
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	d.users[u.UID] = u
	return nil
}

func (d *InMemoryDirectory) GetUser(ctx context.Context, uid string) (UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return UserRecord{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[uid]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return u, nil
}

func (d *InMemoryDirectory) ListUsers(ctx context.Context, keyword string, limit int) ([]UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kw := strings.ToLower(strings.TrimSpace(keyword))

	d.mu.RLock()
	out := make([]UserRecord, 0, len(d.users))
	for _, u := range d.users {
		if matchKeyword(kw, u.UID, u.Name) {
			out = append(out, u)
		}
	}
	d.mu.RUnlock()

	slices.SortFunc(out, func(a, b UserRecord) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.UID, b.UID))
	})
	return truncate(out, clampDirectoryLimit(limit)), nil
}

func (d *InMemoryDirectory) CreateGroup(ctx context.Context, g GroupRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[g.OwnerUID]; !ok {
		return ErrUserNotFound
	}
	if _, ok := d.groups[g.GUID]; ok {
		return ErrGroupExists
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	g.MemberCount = 0
	d.groups[g.GUID] = g
	d.members[g.GUID] = map[string]struct{}{g.OwnerUID: {}}
	return nil
}

func (d *InMemoryDirectory) GetGroup(ctx context.Context, guid string) (GroupRecord, error) {
	if err := ctx.Err(); err != nil {
		return GroupRecord{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	g, ok := d.groups[guid]
	if !ok {
		return GroupRecord{}, ErrGroupNotFound
	}
	g.MemberCount = len(d.members[guid])
	return g, nil
}

func (d *InMemoryDirectory) ListGroups(ctx context.Context, keyword string, limit int) ([]GroupRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kw := strings.ToLower(strings.TrimSpace(keyword))

	d.mu.RLock()
	out := make([]GroupRecord, 0, len(d.groups))
	for guid, g := range d.groups {
		if matchKeyword(kw, g.GUID, g.Name) {
			g.MemberCount = len(d.members[guid])
			out = append(out, g)
		}
	}
	d.mu.RUnlock()

	slices.SortFunc(out, func(a, b GroupRecord) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.GUID, b.GUID))
	})
	return truncate(out, clampDirectoryLimit(limit)), nil
}

func (d *InMemoryDirectory) AddMember(ctx context.Context, guid, uid string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.groups[guid]; !ok {
		return false, ErrGroupNotFound
	}
	if _, ok := d.users[uid]; !ok {
		return false, ErrUserNotFound
	}
	set := d.members[guid]
	if _, ok := set[uid]; ok {
		return false, nil
	}
	set[uid] = struct{}{}
	return true, nil
}

func (d *InMemoryDirectory) IsMember(ctx context.Context, uid, guid string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.members[guid][uid]
	return ok, nil
}

func (d *InMemoryDirectory) GroupsOf(ctx context.Context, uid string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for guid, set := range d.members {
		if _, ok := set[uid]; ok {
			out = append(out, guid)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (d *InMemoryDirectory) Members(ctx context.Context, guid string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	set, ok := d.members[guid]
	if !ok {
		return nil, ErrGroupNotFound
	}
	return slices.Sorted(maps.Keys(set)), nil
}

func matchKeyword(kw string, fields ...string) bool {
	if kw == "" {
		return true
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), kw) {
			return true
		}
	}
	return false
}

func truncate[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}
