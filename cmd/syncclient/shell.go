package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/whisper/presence-sync/internal/client"
	"github.com/whisper/presence-sync/internal/connection"
	"github.com/whisper/presence-sync/internal/presence"
	"github.com/whisper/presence-sync/internal/session"
)

const help = `commands:
  login <user> <token>     sign in and connect
  logout                   disconnect and forget the session
  status                   connection and activity state
  online                   users currently online
  list                     conversations, most recent first
  show <conv>              messages of a conversation
  send <conv> <text>       send a message
  retry <conv> <client-id> resend a failed message
  read <conv>              mark a conversation read
  typing <conv> [stop]     typing indicator
  notifications [page]     fetch and list notifications
  seen <id>|all            mark notifications read
  alerts                   ask for desktop alert permission
  active | blur | focus    simulate input and window focus
  quit`

// shell runs the line commands against the client.
type shell struct {
	client   *client.Client
	sessions *session.Store
	lines    <-chan string
	out      io.Writer
}

func (s *shell) printf(format string, args ...interface{}) {
	fmt.Fprintf(s.out, format+"\n", args...)
}

// autoConnect resumes the stored session when its token is still valid.
func (s *shell) autoConnect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, ok, err := s.sessions.ShouldAutoConnect(ctx, time.Now())
	if err != nil {
		log.Printf("load session: %v", err)
		return
	}
	if !ok {
		s.printf("not signed in; use: login <user> <token>")
		return
	}
	s.connect(*rec)
}

func (s *shell) login(rec session.Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if session.Expired(rec.Token, time.Now()) {
		return fmt.Errorf("token for %s has expired", rec.UserID)
	}
	if err := s.sessions.Save(ctx, rec); err != nil {
		return err
	}
	s.connect(rec)
	return nil
}

func (s *shell) connect(rec session.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := s.client.Connect(ctx, rec.Session())
	if connection.IsAuth(err) {
		log.Printf("session rejected: %v", err)
		s.sessions.Clear(context.Background())
		s.printf("session rejected; sign in again")
		return
	}
	name := rec.DisplayName
	if name == "" {
		name = rec.UserID
	}
	s.printf("signed in as %s (%s)", name, s.client.Connection().State())
}

func (s *shell) run() {
	s.printf("%s", help)
	for line := range s.lines {
		if !s.exec(strings.TrimSpace(line)) {
			return
		}
	}
}

// exec runs one command. It returns false on quit.
func (s *shell) exec(line string) bool {
	if line == "" {
		return true
	}
	args := strings.Fields(line)
	cmd := args[0]
	args = args[1:]

	c := s.client
	switch cmd {
	case "help":
		s.printf("%s", help)

	case "login":
		if len(args) != 2 {
			s.printf("usage: login <user> <token>")
			break
		}
		if err := s.login(session.Record{UserID: args[0], Token: args[1]}); err != nil {
			s.printf("login failed: %v", err)
		}

	case "logout":
		c.Disconnect()
		if err := s.sessions.Clear(context.Background()); err != nil {
			s.printf("clear session: %v", err)
		}
		s.printf("signed out")

	case "status":
		sess, _ := c.Connection().Session()
		s.printf("user=%s connection=%s attempts=%d activity=%s unread_conversations=%d unread_notifications=%d",
			sess.UserID, c.Connection().State(), c.Connection().Attempts(), c.Presence().State(),
			c.Conversations().UnreadCount(), c.Notifications().UnreadCount())
		if err := c.Connection().Err(); err != nil {
			s.printf("last error: %v", err)
		}

	case "online":
		s.printf("online: %s", strings.Join(c.Presence().Online(), ", "))

	case "list":
		for _, conv := range c.Conversations().List() {
			mark := " "
			if conv.Unread {
				mark = "*"
			}
			status := "offline"
			if c.Presence().IsOnline(conv.Participant.UserID) {
				status = "online"
			}
			s.printf("%s %s  %s (%s)  %q", mark, conv.ID, conv.Participant.Name, status, conv.LastMessagePreview)
		}

	case "show":
		if len(args) != 1 {
			s.printf("usage: show <conv>")
			break
		}
		conv, ok := c.Conversations().Get(args[0])
		if !ok {
			s.printf("no conversation %s", args[0])
			break
		}
		for _, m := range conv.Messages {
			s.printf("[%s] %s: %s (%s %s)", m.SentAt.Format(time.Kitchen), m.SenderID, m.Payload, m.Delivery, m.FailureReason)
		}
		if conv.PartnerTyping {
			s.printf("%s is typing...", conv.Participant.Name)
		}

	case "send":
		if len(args) < 2 {
			s.printf("usage: send <conv> <text>")
			break
		}
		c.Presence().Input(presence.KeyDown)
		receipt, err := c.Conversations().Send(args[0], strings.Join(args[1:], " "))
		if err != nil {
			s.printf("send failed: %v", err)
			break
		}
		s.printf("queued %s", receipt.ClientID)

	case "retry":
		if len(args) != 2 {
			s.printf("usage: retry <conv> <client-id>")
			break
		}
		if _, err := c.Conversations().Retry(args[0], args[1]); err != nil {
			s.printf("retry failed: %v", err)
		}

	case "read":
		if len(args) != 1 {
			s.printf("usage: read <conv>")
			break
		}
		c.Conversations().MarkRead(args[0])

	case "typing":
		if len(args) < 1 {
			s.printf("usage: typing <conv> [stop]")
			break
		}
		c.Presence().Input(presence.KeyDown)
		if err := c.Conversations().Typing(args[0], len(args) < 2 || args[1] != "stop"); err != nil {
			s.printf("typing: %v", err)
		}

	case "notifications":
		page := 1
		if len(args) == 1 {
			if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
				page = n
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		added, err := c.FetchNotifications(ctx, page)
		cancel()
		if err != nil {
			s.printf("fetch failed: %v", err)
		} else {
			s.printf("page %d: %d new", page, added)
		}
		for _, n := range c.Notifications().List() {
			mark := " "
			if !n.IsRead {
				mark = "*"
			}
			s.printf("%s %s  %-10s %s", mark, n.ID, n.Type, n.CreatedAt.Format(time.RFC822))
		}

	case "seen":
		if len(args) != 1 {
			s.printf("usage: seen <id>|all")
			break
		}
		if args[0] == "all" {
			s.printf("marked %d read", c.Notifications().MarkAllRead())
		} else if !c.Notifications().MarkRead(args[0]) {
			s.printf("%s was already read", args[0])
		}

	case "alerts":
		p, err := c.Notifications().RequestPermission(context.Background())
		if err != nil {
			s.printf("permission request failed: %v", err)
			break
		}
		s.printf("desktop alerts: %s", p)

	case "active":
		c.Presence().Input(presence.PointerMove)
	case "blur":
		c.Presence().Blur()
	case "focus":
		c.Presence().Focus()

	case "quit", "exit":
		return false

	default:
		s.printf("unknown command %q (try help)", cmd)
	}
	return true
}
