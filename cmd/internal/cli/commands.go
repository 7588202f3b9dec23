package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"megdan/cmd/internal/app"
	"megdan/cmd/internal/chat"
	"megdan/cmd/internal/manager"
)

func newServeCmd(o options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat backend (configured with MEGDAN_* variables).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.LoadConfig()
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
			}
			return app.Run(cmd.Context(), cfg)
		},
	}
}

func newLoginCmd(o options) *cobra.Command {
	return &cobra.Command{
		Use:   "login <uid>",
		Short: "Log in as an existing user and remember the session.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, o, func(ctx context.Context, m *manager.Manager) error {
				id, err := m.Login(ctx, args[0])
				if err != nil {
					return err
				}
				printf(cmd.OutOrStdout(), "logged in as %s (%s)\n", displayName(id), id.ID)
				return nil
			})
		},
	}
}

func newRegisterCmd(o options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <uid>",
		Short: "Create a user and log in as it.",
		Args:  cobra.ExactArgs(1),
	}
	name := cmd.Flags().String("name", "", "Display name (default: the uid)")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, o, func(ctx context.Context, m *manager.Manager) error {
			id, err := m.Register(ctx, args[0], *name)
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "registered and logged in as %s (%s)\n", displayName(id), id.ID)
			return nil
		})
	}
	return cmd
}

func newLogoutCmd(o options) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, o, func(ctx context.Context, m *manager.Manager) error {
				err := m.Logout(ctx)
				printf(cmd.OutOrStdout(), "logged out\n")
				return err
			})
		},
	}
}

func newWhoamiCmd(o options) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current identity.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withIdentity(cmd, o, func(_ context.Context, _ *manager.Manager, self chat.Identity) error {
				printf(cmd.OutOrStdout(), "%s (%s)\n", displayName(self), self.ID)
				return nil
			})
		},
	}
}

func newConversationsCmd(o options) *cobra.Command {
	return &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List recent conversations, most recent first.",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withIdentity(cmd, o, func(ctx context.Context, m *manager.Manager, _ chat.Identity) error {
				convs, err := m.Conversations(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(convs) == 0 {
					printf(out, "no conversations yet\n")
					return nil
				}
				now := time.Now()
				for _, c := range convs {
					printf(out, "%s\n", formatConversation(c, now))
				}
				return nil
			})
		},
	}
}

// targetFlags are shared by commands that pick a conversation.
type targetFlags struct {
	group    bool
	password string
}

func (t *targetFlags) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&t.group, "group", false, "The target is a group (guid or name)")
	cmd.Flags().StringVar(&t.password, "password", "", "Password for joining a password group")
}

func newOpenCmd(o options) *cobra.Command {
	var (
		t     targetFlags
		older int
	)
	cmd := &cobra.Command{
		Use:   "open <name>",
		Short: "Show a conversation's latest messages.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentity(cmd, o, func(ctx context.Context, m *manager.Manager, _ chat.Identity) error {
				target, err := resolveTarget(ctx, m, args[0], t.group)
				if err != nil {
					return err
				}
				view, err := m.OpenConversation(ctx, target, t.password)
				if err != nil {
					return err
				}

				var earlier []chat.Message
				if older > 0 {
					for msg, err := range m.OlderMessages(older) {
						if err != nil {
							return err
						}
						earlier = append(earlier, msg)
					}
					slices.Reverse(earlier)
				}

				out := cmd.OutOrStdout()
				printf(out, "== %s ==\n", view.With.Name())
				for _, msg := range slices.Concat(earlier, view.Messages) {
					printf(out, "%s\n", formatMessage(msg))
				}
				return nil
			})
		},
	}
	t.bind(cmd)
	cmd.Flags().IntVar(&older, "older", 0, "Also page back this many earlier messages")
	return cmd
}

func newSendCmd(o options) *cobra.Command {
	var t targetFlags
	cmd := &cobra.Command{
		Use:   "send <name> <text...>",
		Short: "Send a message to a user or group.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentity(cmd, o, func(ctx context.Context, m *manager.Manager, _ chat.Identity) error {
				target, err := resolveTarget(ctx, m, args[0], t.group)
				if err != nil {
					return err
				}
				if _, err := m.OpenConversation(ctx, target, t.password); err != nil {
					return err
				}
				msg, err := m.Send(ctx, strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				printf(cmd.OutOrStdout(), "%s\n", formatMessage(msg))
				return nil
			})
		},
	}
	t.bind(cmd)
	return cmd
}

func newUsersCmd(o options) *cobra.Command {
	return &cobra.Command{
		Use:   "users [keyword]",
		Short: "List users, optionally filtered by keyword.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentity(cmd, o, func(ctx context.Context, m *manager.Manager, _ chat.Identity) error {
				users, err := m.Directory().Users(ctx, firstArg(args))
				if err != nil {
					return err
				}
				for _, u := range users {
					printf(cmd.OutOrStdout(), "%s\n", formatUser(u))
				}
				return nil
			})
		},
	}
}

func newGroupsCmd(o options) *cobra.Command {
	return &cobra.Command{
		Use:   "groups [keyword]",
		Short: "List groups, optionally filtered by keyword.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentity(cmd, o, func(ctx context.Context, m *manager.Manager, _ chat.Identity) error {
				groups, err := m.Directory().Groups(ctx, firstArg(args))
				if err != nil {
					return err
				}
				for _, g := range groups {
					printf(cmd.OutOrStdout(), "%s\n", formatGroup(g))
				}
				return nil
			})
		},
	}
}

func newGroupCmd(o options) *cobra.Command {
	group := &cobra.Command{
		Use:   "group",
		Short: "Create or join groups.",
	}

	var (
		typ      string
		password string
	)
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a group you own.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gt, ok := chat.ParseGroupType(typ)
			if !ok {
				return fmt.Errorf("unknown group type %q (public, private or password)", typ)
			}
			return withIdentity(cmd, o, func(ctx context.Context, m *manager.Manager, _ chat.Identity) error {
				g, err := m.Directory().CreateGroup(ctx, args[0], gt, password)
				if err != nil {
					return err
				}
				printf(cmd.OutOrStdout(), "created %s\n", formatGroup(g))
				return nil
			})
		},
	}
	create.Flags().StringVar(&typ, "type", string(chat.GroupPublic), "public, private or password")
	create.Flags().StringVar(&password, "password", "", "Password for a password group")

	var joinPassword string
	join := &cobra.Command{
		Use:   "join <guid-or-name>",
		Short: "Join a group; password groups need --password.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentity(cmd, o, func(ctx context.Context, m *manager.Manager, _ chat.Identity) error {
				target, err := resolveTarget(ctx, m, args[0], true)
				if err != nil {
					return err
				}
				view, err := m.OpenConversation(ctx, target, joinPassword)
				if err != nil {
					return err
				}
				g, _ := view.With.Group()
				printf(cmd.OutOrStdout(), "joined %s\n", formatGroup(g))
				return nil
			})
		},
	}
	join.Flags().StringVar(&joinPassword, "password", "", "Group password")

	group.AddCommand(create, join)
	return group
}

func newCalendarCmd() *cobra.Command {
	var month string
	cmd := &cobra.Command{
		Use:   "calendar",
		Short: "Print a month calendar (Monday first).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			now := time.Now()
			at := now
			if month != "" {
				t, err := time.ParseInLocation("2006-01", month, now.Location())
				if err != nil {
					return fmt.Errorf("--month wants YYYY-MM: %w", err)
				}
				at = t
			}
			renderCalendar(cmd.OutOrStdout(), at.Year(), at.Month(), now)
			return nil
		},
	}
	cmd.Flags().StringVar(&month, "month", "", "Month to show as YYYY-MM (default: current)")
	return cmd
}

var errNoSuchTarget = errors.New("no such user or group")

// resolveTarget finds a conversation counterpart by id or display name:
// known conversations first, then the directory.
func resolveTarget(ctx context.Context, m *manager.Manager, name string, group bool) (chat.Counterpart, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return chat.Counterpart{}, errNoSuchTarget
	}

	if !group {
		if c, ok := m.Index().FindByCounterpartName(name); ok && c.With.Kind() == chat.CounterpartUser {
			return c.With, nil
		}
		users, err := m.Directory().Users(ctx, name)
		if err != nil {
			return chat.Counterpart{}, err
		}
		for _, u := range users {
			if u.ID == name || strings.EqualFold(u.Name, name) {
				return chat.WithUser(u), nil
			}
		}
		return chat.Counterpart{}, fmt.Errorf("%w: user %q", errNoSuchTarget, name)
	}

	groups, err := m.Directory().Groups(ctx, name)
	if err != nil {
		return chat.Counterpart{}, err
	}
	for _, g := range groups {
		if g.ID == name || strings.EqualFold(g.Name, name) {
			return chat.WithGroup(g), nil
		}
	}
	return chat.Counterpart{}, fmt.Errorf("%w: group %q", errNoSuchTarget, name)
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
