package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"megdan/cmd/internal/calendar"
	"megdan/cmd/internal/chat"
)

func displayName(id chat.Identity) string {
	if id.Name != "" {
		return id.Name
	}
	return id.ID
}

func formatConversation(c chat.Conversation, now time.Time) string {
	var b strings.Builder
	name := c.With.Name()
	if c.With.Kind() == chat.CounterpartGroup {
		name = "#" + name
	}
	b.WriteString(name)
	if c.LastMessage != nil {
		who := c.LastMessage.SenderName
		if c.LastMessage.Direction == chat.Outgoing {
			who = "you"
		} else if who == "" {
			who = c.LastMessage.SenderID
		}
		fmt.Fprintf(&b, "  %s: %s", who, truncate(c.LastMessage.Text, 48))
	}
	if !c.LastActivity.IsZero() {
		fmt.Fprintf(&b, "  (%s)", relativeTime(c.LastActivity, now))
	}
	return b.String()
}

func formatMessage(m chat.Message) string {
	who := m.SenderName
	switch {
	case m.Direction == chat.Outgoing:
		who = "you"
	case who == "":
		who = m.SenderID
	}
	return fmt.Sprintf("[%s] %s: %s", m.SentAt.Local().Format("15:04"), who, m.Text)
}

func formatUser(u chat.User) string {
	s := u.ID
	if u.Name != "" && u.Name != u.ID {
		s = fmt.Sprintf("%s (%s)", u.Name, u.ID)
	}
	if u.Status != "" {
		s += "  " + string(u.Status)
	}
	return s
}

func formatGroup(g chat.Group) string {
	joined := ""
	if g.HasJoined {
		joined = "  joined"
	}
	return fmt.Sprintf("#%s [%s] %s  %d members%s", g.Name, g.ID, g.Type, g.MemberCount, joined)
}

// relativeTime renders t as "now", "5m", "3h" or a date.
func relativeTime(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	default:
		return t.Local().Format("Jan 2")
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// renderCalendar prints a Monday-first month; today is bracketed.
func renderCalendar(w io.Writer, year int, month time.Month, now time.Time) {
	title := fmt.Sprintf("%s %d", month, year)
	pad := max(0, (7*4-len(title))/2)
	printf(w, "%s%s\n", strings.Repeat(" ", pad), title)
	printf(w, " Mo  Tu  We  Th  Fr  Sa  Su\n")
	for _, week := range calendar.Weeks(calendar.MonthGrid(year, month, now)) {
		var b strings.Builder
		for _, d := range week {
			switch {
			case d.Blank:
				b.WriteString("    ")
			case d.IsToday:
				fmt.Fprintf(&b, "[%2d]", d.Day)
			default:
				fmt.Fprintf(&b, " %2d ", d.Day)
			}
		}
		printf(w, "%s\n", strings.TrimRight(b.String(), " "))
	}
}
