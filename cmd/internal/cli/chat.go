package cli

import (
	"bufio"
	"context"
	"errors"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"megdan/cmd/internal/chat"
	"megdan/cmd/internal/manager"
)

const chatHelp = `commands:
  /login <uid>                 log in
  /register <uid> [name]       create a user and log in
  /logout                      log out
  /list                        recent conversations
  /users [keyword]             directory users
  /groups [keyword]            directory groups
  /open <name>                 open a direct conversation
  /group <guid|name> [pass]    open (and join) a group
  /older [n]                   page back in the open conversation
  /quit                        leave
anything else is sent to the open conversation`

func newChatCmd(o options) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive session: pushed messages are printed as they arrive.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, o, func(ctx context.Context, m *manager.Manager) error {
				r := &repl{m: m, out: &syncWriter{w: cmd.OutOrStdout()}}
				cancel := m.OnMessage(r.pushed)
				defer cancel()
				return r.run(ctx, cmd.InOrStdin())
			})
		},
	}
}

// syncWriter serializes prompt output with pushes printed from the router.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

type repl struct {
	m   *manager.Manager
	out io.Writer
}

var errQuit = errors.New("quit")

func (r *repl) run(ctx context.Context, in io.Reader) error {
	if self, ok := r.m.Session().CurrentIdentity(); ok {
		printf(r.out, "logged in as %s; /help for commands\n", displayName(self))
	} else {
		printf(r.out, "not logged in; /login <uid> or /register <uid>\n")
	}

	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		err := r.exec(ctx, line)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			printf(r.out, "error: %s\n", chat.UserMessage(err))
		}
	}
	return sc.Err()
}

func (r *repl) exec(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, "/") {
		msg, err := r.m.Send(ctx, line)
		if err != nil {
			return err
		}
		printf(r.out, "%s\n", formatMessage(msg))
		return nil
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		printf(r.out, "%s\n", chatHelp)
	case "/login":
		if len(args) != 1 {
			return errors.New("usage: /login <uid>")
		}
		id, err := r.m.Login(ctx, args[0])
		if err != nil {
			return err
		}
		printf(r.out, "logged in as %s\n", displayName(id))
	case "/register":
		if len(args) == 0 {
			return errors.New("usage: /register <uid> [name]")
		}
		id, err := r.m.Register(ctx, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		printf(r.out, "registered as %s\n", displayName(id))
	case "/logout":
		err := r.m.Logout(ctx)
		printf(r.out, "logged out\n")
		return err
	case "/list":
		convs, err := r.m.Conversations(ctx)
		if err != nil {
			return err
		}
		if len(convs) == 0 {
			printf(r.out, "no conversations yet\n")
		}
		now := time.Now()
		for _, c := range convs {
			printf(r.out, "%s\n", formatConversation(c, now))
		}
	case "/users":
		users, err := r.m.Directory().Users(ctx, firstArg(args))
		if err != nil {
			return err
		}
		for _, u := range users {
			printf(r.out, "%s\n", formatUser(u))
		}
	case "/groups":
		groups, err := r.m.Directory().Groups(ctx, firstArg(args))
		if err != nil {
			return err
		}
		for _, g := range groups {
			printf(r.out, "%s\n", formatGroup(g))
		}
	case "/open":
		if len(args) != 1 {
			return errors.New("usage: /open <name>")
		}
		return r.open(ctx, args[0], false, "")
	case "/group":
		if len(args) == 0 || len(args) > 2 {
			return errors.New("usage: /group <guid|name> [password]")
		}
		return r.open(ctx, args[0], true, strings.Join(args[1:], ""))
	case "/older":
		n := manager.DefaultTailLimit
		if len(args) == 1 {
			v, err := strconv.Atoi(args[0])
			if err != nil || v <= 0 {
				return errors.New("usage: /older [n]")
			}
			n = v
		}
		return r.older(n)
	default:
		return errors.New("unknown command " + cmd + "; /help lists them")
	}
	return nil
}

func (r *repl) open(ctx context.Context, name string, group bool, password string) error {
	target, err := resolveTarget(ctx, r.m, name, group)
	if err != nil {
		return err
	}
	view, err := r.m.OpenConversation(ctx, target, password)
	if err != nil {
		return err
	}
	printf(r.out, "== %s ==\n", view.With.Name())
	for _, msg := range view.Messages {
		printf(r.out, "%s\n", formatMessage(msg))
	}
	return nil
}

func (r *repl) older(n int) error {
	var page []chat.Message
	for msg, err := range r.m.OlderMessages(n) {
		if err != nil {
			return err
		}
		page = append(page, msg)
	}
	if len(page) == 0 {
		printf(r.out, "no older messages\n")
		return nil
	}
	slices.Reverse(page)
	for _, msg := range page {
		printf(r.out, "%s\n", formatMessage(msg))
	}
	return nil
}

// pushed prints messages for the open conversation in full and a one-line
// notice for others.
func (r *repl) pushed(msg chat.Message) {
	if v, ok := r.m.Current(); ok && v.ConversationID == msg.ConversationID {
		printf(r.out, "%s\n", formatMessage(msg))
		return
	}
	who := msg.SenderName
	if who == "" {
		who = msg.SenderID
	}
	printf(r.out, "* new message from %s: %s\n", who, truncate(msg.Text, 48))
}
