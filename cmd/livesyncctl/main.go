package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/livesync/internal/model"
	"github.com/matheus3301/livesync/internal/profile"
	"github.com/matheus3301/livesync/internal/tui/client"
	flag "github.com/spf13/pflag"
)

type command struct {
	name  string
	args  string
	help  string
	nargs int
	run   func(ctx context.Context, c *client.Client, args []string, jsonOut bool) error
}

var commands = []command{
	{"status", "", "Show daemon and session status", 0, cmdStatus},
	{"login", "<token>", "Install a bearer token", 1, cmdLogin},
	{"logout", "", "End the session", 0, cmdLogout},
	{"notifications", "", "List notifications", 0, cmdNotifications},
	{"conversations", "", "List conversations", 0, cmdConversations},
	{"refresh", "", "Refetch notifications and messages", 0, cmdRefresh},
	{"read", "<id>", "Mark a notification read", 1, cmdRead},
	{"read-all", "", "Mark every notification read", 0, cmdReadAll},
	{"clear", "", "Delete every notification", 0, cmdClear},
	{"read-message", "<id>", "Mark a message read", 1, cmdReadMessage},
	{"read-conversation", "<user>", "Mark a conversation read", 1, cmdReadConversation},
	{"send", "<user> <text>", "Send a text message", 2, cmdSend},
	{"check", "<user>", "Show another user's presence", 1, cmdCheck},
	{"watch", "[prefix]", "Stream daemon events until interrupted", 0, cmdWatch},
}

func main() {
	profileFlag := flag.StringP("profile", "p", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == args[0] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if len(args)-1 < cmd.nargs {
		fmt.Fprintf(os.Stderr, "usage: livesyncctl %s %s\n", cmd.name, cmd.args)
		os.Exit(1)
	}

	c, err := client.New(profile.SocketPath(name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", name, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	var ctx context.Context
	var cancel context.CancelFunc
	if cmd.name == "watch" {
		ctx, cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	} else {
		ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
	}
	defer cancel()

	if err := cmd.run(ctx, c, args[1:], *jsonFlag); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: livesyncctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-32s %s\n", strings.TrimSpace(c.name+" "+c.args), c.help)
	}
}

func cmdStatus(ctx context.Context, c *client.Client, _ []string, jsonOut bool) error {
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		outputJSON(st)
		return nil
	}
	fmt.Printf("Profile:    %s\n", st.Profile)
	fmt.Printf("Uptime:     %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
	if !st.LoggedIn {
		fmt.Println("Session:    logged out")
	} else {
		fmt.Printf("Session:    %s (expires %s)\n", st.User, time.UnixMilli(st.ExpiresUnixMs).Local().Format(time.RFC3339))
	}
	fmt.Printf("Connection: %s\n", st.Connection)
	fmt.Printf("Presence:   %s\n", st.Presence)
	fmt.Printf("Unread:     %d notifications, %d messages\n", st.Notifications, st.Messages)
	if st.SyncError != "" {
		fmt.Printf("Sync error: %s\n", st.SyncError)
	}
	return nil
}

func cmdLogin(ctx context.Context, c *client.Client, args []string, jsonOut bool) error {
	st, err := c.Login(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOut {
		outputJSON(st)
		return nil
	}
	fmt.Printf("Logged in as %s\n", st.User)
	if st.Warning != "" {
		fmt.Printf("Warning: %s\n", st.Warning)
	}
	return nil
}

func cmdLogout(ctx context.Context, c *client.Client, _ []string, _ bool) error {
	if err := c.Logout(ctx); err != nil {
		return err
	}
	fmt.Println("Logged out")
	return nil
}

func cmdNotifications(ctx context.Context, c *client.Client, _ []string, jsonOut bool) error {
	list, err := c.Notifications(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		outputJSON(list)
		return nil
	}
	if len(list.Notifications) == 0 {
		fmt.Println("No notifications.")
		return nil
	}
	for _, n := range list.Notifications {
		marker := " "
		if !n.IsRead {
			marker = "*"
		}
		title := n.Title
		if title == "" {
			title = n.Type
		}
		fmt.Printf("%s %-12s %-16s %-30s %s\n", marker, n.ID, n.CreatedAt.Local().Format("Jan 02 15:04"), title, n.Message)
	}
	fmt.Printf("%d unread\n", list.Unread)
	return nil
}

func cmdConversations(ctx context.Context, c *client.Client, _ []string, jsonOut bool) error {
	list, err := c.Conversations(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		outputJSON(list)
		return nil
	}
	if len(list.Conversations) == 0 {
		fmt.Println("No conversations.")
		return nil
	}
	for _, conv := range list.Conversations {
		last := conv.LastMessage
		from := string(conv.PartnerID)
		if last.IsSent {
			from = "you"
		}
		fmt.Printf("%-12s %3d unread  %-16s %s: %s\n", conv.PartnerID, conv.Unread,
			last.CreatedAt.Local().Format("Jan 02 15:04"), from, last.Content)
	}
	fmt.Printf("%d unread\n", list.Unread)
	return nil
}

func cmdRefresh(ctx context.Context, c *client.Client, _ []string, jsonOut bool) error {
	counters, err := c.Refresh(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		outputJSON(counters)
		return nil
	}
	fmt.Printf("Unread: %d notifications, %d messages\n", counters.Notifications, counters.Messages)
	return nil
}

func cmdRead(ctx context.Context, c *client.Client, args []string, _ bool) error {
	return c.MarkNotificationRead(ctx, args[0])
}

func cmdReadAll(ctx context.Context, c *client.Client, _ []string, _ bool) error {
	return c.MarkAllNotificationsRead(ctx)
}

func cmdClear(ctx context.Context, c *client.Client, _ []string, _ bool) error {
	return c.ClearNotifications(ctx)
}

func cmdReadMessage(ctx context.Context, c *client.Client, args []string, _ bool) error {
	return c.MarkMessageRead(ctx, args[0])
}

func cmdReadConversation(ctx context.Context, c *client.Client, args []string, _ bool) error {
	return c.MarkConversationRead(ctx, args[0])
}

func cmdSend(ctx context.Context, c *client.Client, args []string, jsonOut bool) error {
	msg, err := c.SendMessage(ctx, model.SendRequest{
		RecipientID: model.ID(args[0]),
		Content:     strings.Join(args[1:], " "),
		MessageType: "text",
	})
	if err != nil {
		return err
	}
	if jsonOut {
		outputJSON(msg)
		return nil
	}
	fmt.Printf("Sent %s\n", msg.ID)
	return nil
}

func cmdCheck(ctx context.Context, c *client.Client, args []string, jsonOut bool) error {
	st, err := c.CheckStatus(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOut {
		outputJSON(st)
		return nil
	}
	line := fmt.Sprintf("%s is %s", args[0], st.Status)
	if st.LastSeen != nil {
		line += ", last seen " + st.LastSeen.Local().Format(time.RFC3339)
	}
	fmt.Println(line)
	return nil
}

func cmdWatch(ctx context.Context, c *client.Client, args []string, jsonOut bool) error {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	events, errc, err := c.WatchEvents(ctx, prefix)
	if err != nil {
		return err
	}
	for evt := range events {
		if jsonOut {
			outputJSON(evt)
			continue
		}
		payload := ""
		if evt.Payload != nil {
			b, _ := json.Marshal(evt.Payload)
			payload = string(b)
		}
		fmt.Printf("%s %-28s %s\n", time.UnixMilli(evt.OccurredMs).Local().Format("15:04:05.000"), evt.Kind, payload)
	}
	if err := <-errc; err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
