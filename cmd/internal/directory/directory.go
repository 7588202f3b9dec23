// Package directory lists users and groups and creates groups.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"megdan/cmd/internal/chat"
)

// Limit is the page size used for directory listings.
const Limit = 100

var (
	ErrNameRequired     = errors.New("group name is required")
	ErrPasswordRequired = errors.New("password is required for password groups")
	ErrUnknownType      = errors.New("unknown group type")
)

// Source is the gateway slice used by Directory.
type Source interface {
	FetchUsers(ctx context.Context, limit int, keyword string) ([]chat.User, error)
	FetchGroups(ctx context.Context, limit int, keyword string) ([]chat.Group, error)
	CreateGroup(ctx context.Context, guid, name string, typ chat.GroupType, password string) (chat.Group, error)
}

type Directory struct {
	src Source
	log *slog.Logger
	now func() time.Time
}

func New(src Source, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{src: src, log: logger, now: time.Now}
}

// Users returns up to Limit users. A blank keyword lists everyone.
func (d *Directory) Users(ctx context.Context, keyword string) ([]chat.User, error) {
	users, err := d.src.FetchUsers(ctx, Limit, strings.TrimSpace(keyword))
	if err != nil {
		d.log.Warn("directory.users.fail", "err", err)
		return nil, chat.NewFetchError("directory.Users", err)
	}
	return users, nil
}

// Groups returns up to Limit groups. A blank keyword lists everything.
func (d *Directory) Groups(ctx context.Context, keyword string) ([]chat.Group, error) {
	groups, err := d.src.FetchGroups(ctx, Limit, strings.TrimSpace(keyword))
	if err != nil {
		d.log.Warn("directory.groups.fail", "err", err)
		return nil, chat.NewFetchError("directory.Groups", err)
	}
	return groups, nil
}

// CreateGroup creates a group with a generated "group_<unix-ms>" guid.
func (d *Directory) CreateGroup(ctx context.Context, name string, typ chat.GroupType, password string) (chat.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return chat.Group{}, ErrNameRequired
	}
	parsed, ok := chat.ParseGroupType(string(typ))
	if !ok {
		return chat.Group{}, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	typ = parsed
	if typ == chat.GroupPassword && password == "" {
		return chat.Group{}, ErrPasswordRequired
	}
	if typ != chat.GroupPassword {
		password = ""
	}

	guid := "group_" + strconv.FormatInt(d.now().UnixMilli(), 10)
	g, err := d.src.CreateGroup(ctx, guid, name, typ, password)
	if err != nil {
		d.log.Warn("directory.group_create.fail", "guid", guid, "err", err)
		return chat.Group{}, fmt.Errorf("directory.CreateGroup: %w", err)
	}
	d.log.Info("directory.group_create.ok", "guid", g.ID, "type", string(g.Type))
	return g, nil
}
