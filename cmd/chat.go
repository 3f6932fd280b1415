package cmd

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/backlinehq/backline/internal/config"
	"github.com/backlinehq/backline/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		user    string
		message string
		wait    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the pipeline over the in-app channel",
		Long: `Connects to a running backline server's in-app websocket and opens an
interactive session. Replies arrive asynchronously as the pipeline works
through each message, so acks, clarification questions, and results stream
in while the prompt stays open.

Examples:
  backline chat                         # interactive, user id "cli"
  backline chat --user ann              # chat as a specific user id
  backline chat -m "cancel my booking"  # send one message, wait for replies`,
		Run: func(cmd *cobra.Command, args []string) {
			runChat(user, message, wait)
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "cli", "user id for the session")
	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message (omit for interactive mode)")
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "reply window in one-shot mode")

	return cmd
}

func runChat(user, message string, wait time.Duration) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	addr := fmt.Sprintf("%s:%d", host, cfg.Server.Port)
	wsURL := fmt.Sprintf("ws://%s/v1/inapp/socket?user_id=%s", addr, url.QueryEscape(user))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to %s failed: %v\n", addr, err)
		fmt.Fprintln(os.Stderr, "is `backline serve` running with the in-app channel enabled?")
		os.Exit(1)
	}
	defer conn.Close()

	// Replies are pushed whenever the pipeline has something to say, not in
	// lockstep with sends. A reader goroutine prints them as they land.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var reply protocol.ReplyFrame
			if err := conn.ReadJSON(&reply); err != nil {
				return
			}
			fmt.Printf("\n%s\n", reply.Text)
		}
	}()

	send := func(text string) error {
		return conn.WriteJSON(protocol.InboundFrame{
			UserID:    user,
			Text:      text,
			MessageID: uuid.NewString(),
		})
	}

	if message != "" {
		if err := send(message); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			os.Exit(1)
		}
		select {
		case <-done:
		case <-time.After(wait):
		}
		return
	}

	fmt.Fprintf(os.Stderr, "connected to %s as %q\n", addr, user)
	fmt.Fprintf(os.Stderr, "type \"exit\" to quit\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			return
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return
		}
		if err := send(input); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			return
		}
	}
}
