package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/lisuiheng/terrimatch-go/chat"
	"github.com/lisuiheng/terrimatch-go/core"
	"github.com/lisuiheng/terrimatch-go/credits"
	"github.com/lisuiheng/terrimatch-go/notification"
)

const opTimeout = 10 * time.Second

type cli struct {
	in     io.Reader
	out    io.Writer
	client *core.Client
	room   *chat.Room
	center *notification.Center
	ticker *credits.Ticker

	mu      sync.Mutex
	printed map[string]bool
}

func newCLI(in io.Reader, out io.Writer, client *core.Client, room *chat.Room, center *notification.Center, ticker *credits.Ticker) *cli {
	return &cli{
		in:      in,
		out:     out,
		client:  client,
		room:    room,
		center:  center,
		ticker:  ticker,
		printed: make(map[string]bool),
	}
}

func (c *cli) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *cli) stateChanged(from, to core.ConnState) {
	switch to {
	case core.StateOpen:
		c.printf("✓ connected\n")
	case core.StateClosed:
		c.printf("… connection lost, retrying (attempt %d)\n", c.client.Attempts())
	case core.StateOffline:
		c.printf("✗ offline. Type /reconnect to try again\n")
	}
}

// messagesChanged prints messages from others once, including history.
func (c *cli) messagesChanged(msgs []chat.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		if c.printed[m.LocalID] || m.Mine() {
			continue
		}
		c.printed[m.LocalID] = true
		fmt.Fprintf(c.out, "[%s %s] %s\n", m.SentAt.Local().Format("15:04"), m.Sender, m.Text)
	}
}

func (c *cli) run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("Type a message, or /help for commands.\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func (c *cli) handle(ctx context.Context, input string) (quit bool) {
	if input == "" {
		return false
	}
	if !strings.HasPrefix(input, "/") {
		c.report(c.room.SendMessage(ctx, input))
		return false
	}

	parts := strings.Fields(input)
	cmd, args := parts[0], parts[1:]
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	switch cmd {
	case "/read":
		if len(args) != 1 {
			c.printf("usage: /read <id>\n")
			return false
		}
		c.report(c.center.MarkAsRead(opCtx, args[0]))
	case "/readall":
		c.report(c.center.MarkAllAsRead(opCtx))
	case "/delete":
		if len(args) != 1 {
			c.printf("usage: /delete <id>\n")
			return false
		}
		c.report(c.center.Delete(opCtx, args[0]))
	case "/mute", "/unmute":
		if len(args) != 1 {
			c.printf("usage: %s <category>\n", cmd)
			return false
		}
		c.report(c.center.SetCategoryEnabled(opCtx, notification.Category(args[0]), cmd == "/unmute"))
	case "/notifications":
		c.printNotifications()
	case "/balance":
		if balance, ok := c.ticker.Balance(); ok {
			c.printf("Balance: %d credits\n", balance)
		} else {
			c.printf("Balance not known yet\n")
		}
	case "/online":
		c.printf("Online: %s\n", strings.Join(c.ticker.Snapshot().Online, ", "))
	case "/status":
		c.printStatus()
	case "/reconnect":
		c.report(c.client.Connect(opCtx))
	case "/quit", "/exit":
		c.printf("Exiting...\n")
		return true
	case "/help":
		c.printHelp()
	default:
		c.printf("✗ Unknown command: %s\n", cmd)
		c.printHelp()
	}
	return false
}

func (c *cli) report(err error) {
	if err != nil {
		c.printf("✗ Error: %v\n", err)
	}
}

func (c *cli) printNotifications() {
	snap := c.center.Snapshot()
	c.printf("%d unread\n", snap.Unread)
	for _, n := range snap.Notifications {
		mark := " "
		if !n.Read {
			mark = "*"
		}
		c.printf("%s %s [%s] %s %s\n", mark, n.ID, n.Category, n.Title, n.Body)
	}
}

func (c *cli) printStatus() {
	status := c.client.Status()
	snap := c.center.Snapshot()
	c.printf("\nCurrent Status:\n")
	c.printf("  Connection: %s (attempts %d)\n", status.State, status.Attempts)
	c.printf("  Relay: %s\n", status.URL)
	c.printf("  Conversation: %s\n", c.room.ConversationID())
	c.printf("  Unread notifications: %d\n", snap.Unread)
	var muted []string
	for _, cat := range notification.Categories {
		if !snap.Settings.Enabled(cat) {
			muted = append(muted, string(cat))
		}
	}
	if len(muted) > 0 {
		c.printf("  Muted: %s\n", strings.Join(muted, ", "))
	}
	if err := snap.Err; err != nil {
		c.printf("  Last notification error: %v\n", err)
	}
	if err := c.room.Err(); err != nil {
		c.printf("  Last chat error: %v\n", err)
	}
}

func (c *cli) printHelp() {
	c.printf(`
Available commands:
  <text>             Send a chat message
  /notifications     List notifications
  /read <id>         Mark a notification read
  /readall           Mark all notifications read
  /delete <id>       Delete a notification
  /mute <category>   Mute a category (messages, calls, matches, low_balance, system)
  /unmute <category> Unmute a category
  /balance           Show credit balance
  /online            Show online users
  /status            Show connection status
  /reconnect         Reconnect after going offline
  /quit              Exit
`)
}
