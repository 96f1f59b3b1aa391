package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/rx3lixir/callcore/internal/hub"
	"github.com/rx3lixir/callcore/pkg/jwt"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "callcore server URL")
	token := flag.String("token", "", "JWT access token")
	secret := flag.String("secret", "", "signing secret, for the token command")
	userFlag := flag.String("user", "", "user id, for the token command")
	name := flag.String("name", "", "username, for the token command")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime, for the token command")
	flag.Parse()

	// Setup logger
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportCaller:    false,
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
		Level:           log.InfoLevel,
	})

	if flag.Arg(0) == "token" {
		if err := printToken(*secret, *userFlag, *name, *ttl); err != nil {
			logger.Fatal("Failed to issue token", "error", err)
		}
		return
	}

	if *token == "" {
		fmt.Println("Error: JWT token is required")
		fmt.Println("Usage: callctl -token YOUR_JWT_TOKEN [-server http://localhost:8080]")
		fmt.Println("       callctl -secret SECRET -user USER_ID [-name NAME] token")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client := NewClient(*serverURL, *token, logger)

	// The event stream keeps the user reachable while the shell is open.
	go func() {
		if err := client.Watch(ctx, printFrame); err != nil {
			logger.Error("Event stream closed", "error", err)
		}
	}()

	logger.Info("Connected", "server", *serverURL)
	interactive(ctx, client)
}

func printToken(secret, userID, name string, ttl time.Duration) error {
	id, err := uuid.Parse(userID)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}

	svc, err := jwt.NewService(secret, ttl)
	if err != nil {
		return err
	}

	token, expiresAt, err := svc.GenerateAccessToken(id, name)
	if err != nil {
		return err
	}

	fmt.Println(token)
	fmt.Fprintln(os.Stderr, "expires at", expiresAt.Format(time.RFC3339))
	return nil
}

func printFrame(f hub.Frame) {
	switch f.Kind {
	case hub.KindEvent:
		ev := f.Event
		line := fmt.Sprintf("\n[%s] call %s status=%s", ev.Type, f.CallID, ev.Session.Status)
		if ev.Reason != "" {
			line += " reason=" + ev.Reason
		}
		if ev.Error != "" {
			line += " error=" + ev.Error
		}
		if in := ev.Incoming; in != nil {
			caller := in.CallerName
			if caller == "" {
				caller = in.CallerID.String()
			}
			line += fmt.Sprintf(" from=%q media=%s", caller, strings.Join(in.Media, ","))
		}
		fmt.Println(line)
	default:
		fmt.Printf("\n[%s] call %s %d bytes\n", f.Kind, f.CallID, len(f.Payload))
	}
	fmt.Print(">_ ")
}

func interactive(ctx context.Context, client *Client) {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("\n---- callctl -----")
	fmt.Println("Commands:")
	fmt.Println("call <user_id> [thread_id]   - Start a call")
	fmt.Println("accept <call_id>             - Accept an incoming call")
	fmt.Println("decline <call_id>            - Decline an incoming call")
	fmt.Println("end <call_id>                - Hang up or cancel")
	fmt.Println("connected <call_id>          - Report media as connected")
	fmt.Println("get <call_id>                - Show a call")
	fmt.Println("presence <user_id>           - Check whether a user is reachable")
	fmt.Println("quit                         - Exit")
	fmt.Println()

	for {
		fmt.Print(">_ ")
		input, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		parts := strings.Fields(strings.TrimSpace(input))
		if len(parts) == 0 {
			continue
		}

		command := parts[0]
		if command == "quit" || command == "exit" {
			fmt.Println("Goodbye!")
			return
		}

		if len(parts) < 2 {
			fmt.Println("Usage:", command, "<id>")
			continue
		}
		id, err := uuid.Parse(parts[1])
		if err != nil {
			fmt.Println("Invalid id:", err)
			continue
		}

		if err := run(ctx, client, command, id, parts[2:]); err != nil {
			fmt.Println("Error:", err)
		}
	}
}

func run(ctx context.Context, client *Client, command string, id uuid.UUID, rest []string) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	switch command {
	case "call":
		thread := ""
		if len(rest) > 0 {
			thread = rest[0]
		}
		info, err := client.Call(ctx, id, thread, sessionDescription("offer"))
		if err != nil {
			return err
		}
		fmt.Println("Calling, call id", info.ID)

	case "accept":
		if err := client.Accept(ctx, id, sessionDescription("answer")); err != nil {
			return err
		}
		fmt.Println("Accepted")

	case "decline", "end", "connected":
		if err := client.Action(ctx, id, command); err != nil {
			return err
		}
		fmt.Println("Done")

	case "get":
		info, err := client.Get(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("call %s %s -> %s status=%s\n", info.ID, info.CallerID, info.CalleeID, info.Status)
		if info.Incoming != nil {
			fmt.Printf("  caller %q media=%s\n", info.Incoming.CallerName, strings.Join(info.Incoming.Media, ","))
		}

	case "presence":
		ok, err := client.Reachable(ctx, id)
		if err != nil {
			return err
		}
		fmt.Println("reachable:", ok)

	default:
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}
