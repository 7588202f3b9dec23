// Package membership decides whether the caller may open a group conversation.
package membership

import (
	"context"
	"fmt"
	"log/slog"

	"megdan/cmd/internal/chat"
)

// Joiner is the gateway call issued for joinable groups.
type Joiner interface {
	JoinGroup(ctx context.Context, guid string, typ chat.GroupType, password string) (chat.Group, error)
}

// Decision is the outcome of CanOpen. Denials are values, not errors, so the
// caller can show the reason and let the user decide what to do next.
type Decision struct {
	Allowed bool
	// Group is the caller's view of the group after the decision.
	Group chat.Group
	// Reason is chat.ErrPasswordRequired, chat.ErrAdminOnly or chat.ErrJoinFailed when denied.
	Reason error
	// Cause is the backend failure behind a JoinFailed denial.
	Cause error
}

// Err returns nil when allowed and a *chat.JoinDeniedError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &chat.JoinDeniedError{GroupID: d.Group.ID, Reason: d.Reason, Err: d.Cause}
}

func (d Decision) String() string {
	if d.Allowed {
		return "allowed"
	}
	return fmt.Sprintf("denied(%v)", d.Reason)
}

type Resolver struct {
	join Joiner
	log  *slog.Logger
}

func NewResolver(join Joiner, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{join: join, log: logger}
}

// CanOpen applies, in order: already joined, password without credential,
// private group, then a join call for public and password groups.
// It never retries.
func (r *Resolver) CanOpen(ctx context.Context, g chat.Group, credential string) Decision {
	if g.HasJoined {
		return Decision{Allowed: true, Group: g}
	}

	switch g.Type {
	case chat.GroupPassword:
		if credential == "" {
			return denied(g, chat.ErrPasswordRequired, nil)
		}
	case chat.GroupPrivate:
		return denied(g, chat.ErrAdminOnly, nil)
	case chat.GroupPublic:
		credential = ""
	default:
		return denied(g, chat.ErrJoinFailed, fmt.Errorf("unknown group type %q", g.Type))
	}

	joined, err := r.join.JoinGroup(ctx, g.ID, g.Type, credential)
	if err != nil {
		r.log.Info("membership.join.fail", "guid", g.ID, "type", string(g.Type), "code", chat.GatewayCode(err), "err", err)
		return denied(g, chat.ErrJoinFailed, err)
	}

	out := g
	out.HasJoined = true
	if joined.MemberCount > 0 {
		out.MemberCount = joined.MemberCount
	}
	if out.Name == "" {
		out.Name = joined.Name
	}
	r.log.Info("membership.join.ok", "guid", g.ID, "type", string(g.Type))
	return Decision{Allowed: true, Group: out}
}

func denied(g chat.Group, reason, cause error) Decision {
	return Decision{Group: g, Reason: reason, Cause: cause}
}
