package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/plantline/plantline/internal/ctl"
	"github.com/plantline/plantline/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := ctl.New(profile.SocketPath(profileName))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "open":
		cmdOpen(ctx, c, *jsonFlag)
	case "switch":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: plantlinectl switch <conversation-id>")
			os.Exit(1)
		}
		cmdSwitch(ctx, c, args[1])
	case "messages":
		cmdMessages(ctx, c, *jsonFlag)
	case "conversations":
		cmdConversations(ctx, c, *jsonFlag)
	case "send":
		cmdSend(ctx, c, args[1:])
	case "refresh":
		cmdRefresh(ctx, c)
	case "watch":
		cancel()
		cmdWatch(c)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: plantlinectl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                      Show daemon and delivery status")
	fmt.Fprintln(os.Stderr, "  open                        Open the profile's expert conversation")
	fmt.Fprintln(os.Stderr, "  switch <conversation-id>    Switch to a cached conversation")
	fmt.Fprintln(os.Stderr, "  messages                    Show the open conversation's messages")
	fmt.Fprintln(os.Stderr, "  conversations               List cached conversations")
	fmt.Fprintln(os.Stderr, "  send <text>                 Send a message")
	fmt.Fprintln(os.Stderr, "  send --image <url> [text]   Send an image")
	fmt.Fprintln(os.Stderr, "  refresh                     Force a full resync")
	fmt.Fprintln(os.Stderr, "  watch                       Stream daemon events")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func cmdStatus(ctx context.Context, c *ctl.Client, jsonOut bool) {
	status, err := c.Status(ctx)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(status)
		return
	}
	fmt.Printf("Profile:    %s\n", status.Profile)
	fmt.Printf("PID:        %d\n", status.PID)
	fmt.Printf("Delivery:   %s\n", status.ConnState)
	if status.LastRefresh > 0 {
		fmt.Printf("Refreshed:  %s\n", time.UnixMilli(status.LastRefresh).Format(time.RFC3339))
	}
	fmt.Printf("Uptime:     %ds\n", status.UptimeSecs)
}

func cmdOpen(ctx context.Context, c *ctl.Client, jsonOut bool) {
	conv, err := c.Open(ctx)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(conv)
		return
	}
	fmt.Printf("Conversation %s (%s, %s)\n", conv.ID, conv.Type, conv.Status)
}

func cmdSwitch(ctx context.Context, c *ctl.Client, conversationID string) {
	if err := c.Switch(ctx, conversationID); err != nil {
		fatal(err)
	}
	fmt.Printf("Switched to %s\n", conversationID)
}

func cmdMessages(ctx context.Context, c *ctl.Client, jsonOut bool) {
	view, err := c.Conversation(ctx)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(view)
		return
	}
	if view.Conversation == nil {
		fmt.Println("No open conversation. Run: plantlinectl open")
		return
	}
	fmt.Printf("Conversation %s (delivery %s)\n\n", view.Conversation.ID, view.ConnState)
	for _, m := range view.Messages {
		marker := " "
		if m.Optimistic {
			marker = "~"
		}
		at := time.UnixMilli(m.SentAt).Format("15:04")
		fmt.Printf("%s [%s] %s: %s\n", marker, at, m.SenderID, m.DisplayText)
	}
}

func cmdConversations(ctx context.Context, c *ctl.Client, jsonOut bool) {
	convs, err := c.Conversations(ctx)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(convs)
		return
	}
	if len(convs) == 0 {
		fmt.Println("No conversations found.")
		return
	}
	for _, conv := range convs {
		last := conv.LastMessage
		if last == "" {
			last = "(no messages)"
		}
		fmt.Printf("%-36s %-10s %s\n", conv.ID, conv.Status, last)
	}
}

func cmdSend(ctx context.Context, c *ctl.Client, args []string) {
	var imageRef string
	var text []string
	for i := 0; i < len(args); i++ {
		if args[i] == "--image" {
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "usage: plantlinectl send --image <url> [text]")
				os.Exit(1)
			}
			i++
			imageRef = args[i]
			continue
		}
		text = append(text, args[i])
	}
	if len(text) == 0 && imageRef == "" {
		fmt.Fprintln(os.Stderr, "usage: plantlinectl send <text>")
		os.Exit(1)
	}

	kind := ""
	if imageRef != "" {
		kind = "image"
	}
	if err := c.Send(ctx, strings.Join(text, " "), kind, imageRef); err != nil {
		fatal(err)
	}
	fmt.Println("Sent.")
}

func cmdRefresh(ctx context.Context, c *ctl.Client) {
	if err := c.Refresh(ctx); err != nil {
		fatal(err)
	}
	fmt.Println("Refresh started.")
}

func cmdWatch(c *ctl.Client) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := c.Watch(ctx, func(evt ctl.Event) {
		at := time.UnixMilli(evt.Timestamp).Format("15:04:05")
		if evt.Payload != nil {
			fmt.Printf("%s %-24s %v\n", at, evt.Kind, evt.Payload)
		} else {
			fmt.Printf("%s %s\n", at, evt.Kind)
		}
	})
	if err != nil {
		fatal(err)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
