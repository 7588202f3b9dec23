package realtime

import (
	"context"
	"errors"
	"slices"
	"testing"
)

func TestInMemoryDirectory_UsersAndGroups(t *testing.T) {
	t.Parallel()

	d := NewInMemoryDirectory()
	ctx := context.Background()

	for _, u := range []UserRecord{{UID: "bob", Name: "Bob"}, {UID: "alice", Name: "Alice"}} {
		if err := d.CreateUser(ctx, u); err != nil {
			t.Fatalf("create %s: %v", u.UID, err)
		}
	}
	if err := d.CreateUser(ctx, UserRecord{UID: "bob", Name: "B"}); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
	if _, err := d.GetUser(ctx, "nobody"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	users, err := d.ListUsers(ctx, "", 0)
	if err != nil || len(users) != 2 || users[0].UID != "alice" {
		t.Fatalf("list users ordered by name: %+v err=%v", users, err)
	}
	users, _ = d.ListUsers(ctx, "BO", 0)
	if len(users) != 1 || users[0].UID != "bob" {
		t.Fatalf("keyword filter: %+v", users)
	}

	if err := d.CreateGroup(ctx, GroupRecord{GUID: "g1", Name: "Go", Type: "public", OwnerUID: "ghost"}); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound for unknown owner, got %v", err)
	}
	if err := d.CreateGroup(ctx, GroupRecord{GUID: "g1", Name: "Go", Type: "public", OwnerUID: "alice"}); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := d.CreateGroup(ctx, GroupRecord{GUID: "g1", Name: "Go", Type: "public", OwnerUID: "alice"}); !errors.Is(err, ErrGroupExists) {
		t.Fatalf("expected ErrGroupExists, got %v", err)
	}

	if ok, _ := d.IsMember(ctx, "alice", "g1"); !ok {
		t.Fatalf("owner should be a member")
	}
	added, err := d.AddMember(ctx, "g1", "bob")
	if err != nil || !added {
		t.Fatalf("add bob: %v %v", added, err)
	}
	if added, _ := d.AddMember(ctx, "g1", "bob"); added {
		t.Fatalf("second add must report added=false")
	}
	if _, err := d.AddMember(ctx, "nope", "bob"); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("expected ErrGroupNotFound, got %v", err)
	}

	g, err := d.GetGroup(ctx, "g1")
	if err != nil || g.MemberCount != 2 {
		t.Fatalf("get group: %+v err=%v", g, err)
	}
	members, _ := d.Members(ctx, "g1")
	if !slices.Equal(members, []string{"alice", "bob"}) {
		t.Fatalf("members=%v", members)
	}
	groups, _ := d.GroupsOf(ctx, "bob")
	if !slices.Equal(groups, []string{"g1"}) {
		t.Fatalf("groups of bob=%v", groups)
	}
}

func TestInMemoryDirectory_ListLimit(t *testing.T) {
	t.Parallel()

	d := NewInMemoryDirectory()
	ctx := context.Background()
	for _, uid := range []string{"a", "b", "c", "d"} {
		if err := d.CreateUser(ctx, UserRecord{UID: uid, Name: uid}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	got, err := d.ListUsers(ctx, "", 2)
	if err != nil || len(got) != 2 {
		t.Fatalf("limit not applied: %+v err=%v", got, err)
	}
}
