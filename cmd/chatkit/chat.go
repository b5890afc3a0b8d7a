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

	"github.com/spf13/cobra"

	chatkit "github.com/talentwire/chatkit"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	conversationsJSON bool
	groupsJSON        bool

	createGroupMembers string

	historyPage int
	historyJSON bool
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(groupsCmd)
	rootCmd.AddCommand(createGroupCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(linkCmd)

	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "raw JSON output")
	groupsCmd.Flags().BoolVar(&groupsJSON, "json", false, "raw JSON output")
	createGroupCmd.Flags().StringVar(&createGroupMembers, "members", "", "comma-separated member user IDs")
	historyCmd.Flags().IntVar(&historyPage, "page", 1, "history page (1 = newest)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "raw JSON output")
}

// parseThreadArgs turns ("direct"|"group", id) into a ThreadRef.
func parseThreadArgs(kind, id string) (chatkit.ThreadRef, error) {
	switch kind {
	case "direct":
		return chatkit.DirectThread(id), nil
	case "group":
		return chatkit.GroupThread(id), nil
	default:
		return chatkit.ThreadRef{}, fmt.Errorf("thread kind must be 'direct' or 'group', got %q", kind)
	}
}

// ============================================================================
// conversations / groups
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List direct conversation summaries",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.DirectConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" [%d unread]", c.UnreadCount)
			}
			fmt.Printf("%-24s %s%s\n", c.OtherUserID, truncate(c.LastMessage, 48), unread)
		}
		return nil
	},
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List group summaries",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		groups, err := client.UserGroups(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if groupsJSON {
			return printJSON(groups)
		}
		if len(groups) == 0 {
			fmt.Println("No groups.")
			return nil
		}
		for _, g := range groups {
			unread := ""
			if g.UnreadCount > 0 {
				unread = fmt.Sprintf(" [%d unread]", g.UnreadCount)
			}
			fmt.Printf("%-24s %s (%d members)%s\n", g.GroupID, g.Name, g.MemberCount, unread)
		}
		return nil
	},
}

var createGroupCmd = &cobra.Command{
	Use:   "create-group <name>",
	Short: "Create a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var members []string
		for _, m := range strings.Split(createGroupMembers, ",") {
			if m = strings.TrimSpace(m); m != "" {
				members = append(members, m)
			}
		}

		group, err := client.CreateGroup(ctx, args[0], members)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Created group %s (%s)\n", group.Name, group.GroupID)
		return nil
	},
}

// ============================================================================
// history / send
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <direct|group> <id>",
	Short: "Print one history page of a thread",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		thread, err := parseThreadArgs(args[0], args[1])
		if err != nil {
			return err
		}

		var msgs []chatkit.Message
		if thread.Kind == chatkit.ThreadDirect {
			msgs, err = client.DirectMessages(ctx, thread.PeerID, historyPage, pageSize(cfg))
		} else {
			msgs, err = client.GroupMessages(ctx, thread.GroupID, historyPage, pageSize(cfg))
		}
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if historyJSON {
			return printJSON(msgs)
		}
		for _, m := range msgs {
			printMessage(cfg.Auth.UserID, m)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <direct|group> <id> <text>",
	Short: "Send a message over the live channel",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		thread, err := parseThreadArgs(args[0], args[1])
		if err != nil {
			return err
		}
		content := strings.Join(args[2:], " ")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		channel := chatkit.NewSessionChannel(client.WSURL(clientToken(cfg)), &chatkit.ChannelConfig{})
		dir := chatkit.NewDirectory(client)
		engine := chatkit.NewEngine(client, channel, dir, cfg.Auth.UserID, chatkit.WithPageSize(pageSize(cfg)))

		if err := channel.Connect(ctx); err != nil {
			return err
		}
		defer channel.Disconnect()

		if err := engine.Open(ctx, thread); err != nil {
			return err
		}
		if err := engine.Send(ctx, content); err != nil {
			// Content is echoed back so nothing typed is lost.
			fmt.Fprintf(os.Stderr, "send failed, message not delivered: %v\nyour message: %s\n", err, content)
			return err
		}
		fmt.Println("Sent.")
		return nil
	},
}

// ============================================================================
// watch / link
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch [direct|group] [id]",
	Short: "Open a thread and tail it live",
	Long:  "Open a thread and print messages as they arrive.\nWith no arguments, opens the pending deep-link target stored by 'chatkit link'.",
	Args:  cobra.RangeArgs(0, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		channel := chatkit.NewSessionChannel(client.WSURL(clientToken(cfg)), &chatkit.ChannelConfig{AutoReconnect: true})
		dir := chatkit.NewDirectory(client)
		engine := chatkit.NewEngine(client, channel, dir, cfg.Auth.UserID, chatkit.WithPageSize(pageSize(cfg)))

		var thread chatkit.ThreadRef
		var err error
		switch len(args) {
		case 2:
			thread, err = parseThreadArgs(args[0], args[1])
			if err != nil {
				return err
			}
		case 0:
			if cfg.Session.PendingKind == "" {
				return fmt.Errorf("no thread given and no pending link (see 'chatkit link')")
			}
			engine.SetPendingTarget(chatkit.ThreadRef{
				Kind:    chatkit.ThreadKind(cfg.Session.PendingKind),
				PeerID:  pickDirectID(cfg.Session.PendingKind, cfg.Session.PendingID),
				GroupID: pickGroupID(cfg.Session.PendingKind, cfg.Session.PendingID),
			})
			// Deep links are consumed once.
			cfg.Session = ConfigSession{}
			if err := saveConfig(cfg); err != nil {
				return fmt.Errorf("failed to clear pending link: %w", err)
			}
			thread, _ = engine.ConsumePendingTarget()
		default:
			return fmt.Errorf("usage: chatkit watch [direct|group] [id]")
		}

		channel.OnStateChange(func(s chatkit.ChannelState) {
			fmt.Fprintf(os.Stderr, "-- channel %s --\n", s)
		})
		channel.OnDirectMessage(func(m chatkit.Message) {
			if engine.Active() == m.Thread(cfg.Auth.UserID) {
				printMessage(cfg.Auth.UserID, m)
			}
		})
		channel.OnGroupMessage(func(m chatkit.Message) {
			if engine.Active() == m.Thread(cfg.Auth.UserID) {
				printMessage(cfg.Auth.UserID, m)
			}
		})
		channel.OnChannelError(func(p chatkit.ChannelErrorPayload) {
			fmt.Fprintf(os.Stderr, "-- server: %s --\n", p.Message)
		})

		if err := channel.Connect(ctx); err != nil {
			return err
		}
		defer channel.Disconnect()

		if err := engine.Open(ctx, thread); err != nil {
			return err
		}
		for _, m := range engine.Messages() {
			printMessage(cfg.Auth.UserID, m)
		}
		fmt.Fprintf(os.Stderr, "-- watching %s, Ctrl-C to exit --\n", thread.Key())

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		engine.Close(context.Background())
		return nil
	},
}

var linkCmd = &cobra.Command{
	Use:   "link <direct|group> <id>",
	Short: "Store a deep link: the thread 'chatkit watch' opens next",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := parseThreadArgs(args[0], args[1]); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Session.PendingKind = args[0]
		cfg.Session.PendingID = args[1]
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Pending link set: %s %s\n", args[0], args[1])
		return nil
	},
}

// ============================================================================
// Output helpers
// ============================================================================

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printMessage(selfID string, m chatkit.Message) {
	sender := m.SenderID
	if sender == selfID {
		sender = "me"
	}
	content := m.Content
	if m.Deleted {
		content = "(deleted)"
	}
	seen := ""
	if m.Seen && m.SenderID == selfID {
		seen = " ✓"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.SentAt.Local().Format("15:04"), sender, content, seen)
}

// truncate shortens s to at most n runes, never splitting a multi-byte rune.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func pickDirectID(kind, id string) string {
	if kind == "direct" {
		return id
	}
	return ""
}

func pickGroupID(kind, id string) string {
	if kind == "group" {
		return id
	}
	return ""
}
