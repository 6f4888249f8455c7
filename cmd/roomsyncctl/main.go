package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/matheus3301/roomsync/internal/api"
	"github.com/matheus3301/roomsync/internal/profile"
	"github.com/matheus3301/roomsync/internal/store"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	userFlag := flag.String("user", "", "Matrix user id (default: first configured account)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	timeoutFlag := flag.Duration("timeout", 30*time.Second, "request timeout")
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

	socketPath := profile.SocketPath(profileName)
	c, err := api.Dial(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", profileName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, *userFlag, *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	switch args[0] {
	case "rooms":
		cmdRooms(ctx, c, *userFlag, *jsonFlag)
	case "organize":
		cmdOrganize(ctx, c, *userFlag, args[1:], *jsonFlag)
	case "sync":
		force := len(args) >= 2 && args[1] == "--force"
		cmdSync(ctx, c, *userFlag, force, *jsonFlag)
	case "setup":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: roomsyncctl setup <start|status <request-id>>")
			os.Exit(1)
		}
		cmdSetup(ctx, c, *userFlag, args[1:], *jsonFlag)
	case "sessions":
		cmdSessions(ctx, c, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: roomsyncctl [--profile <name>] [--user <id>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  rooms                     List the room list")
	fmt.Fprintln(os.Stderr, "  organize [--all]          Show rooms by category")
	fmt.Fprintln(os.Stderr, "  sync [--force]            Run a full reconciliation")
	fmt.Fprintln(os.Stderr, "  setup start               Track initial sync progress")
	fmt.Fprintln(os.Stderr, "  setup status <id>         Show setup progress")
	fmt.Fprintln(os.Stderr, "  sessions                  List live sync sessions")
	fmt.Fprintln(os.Stderr, "  watch                     Stream room list snapshots")
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func cmdRooms(ctx context.Context, c *api.Client, user string, jsonOut bool) {
	resp, err := c.ListRooms(ctx, &api.ListRoomsRequest{UserID: user})
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	printRooms(resp.Rooms)
}

func cmdOrganize(ctx context.Context, c *api.Client, user string, args []string, jsonOut bool) {
	all := len(args) > 0 && args[0] == "--all"
	resp, err := c.OrganizeRooms(ctx, &api.OrganizeRoomsRequest{UserID: user, ShowMuted: all, ShowArchived: all})
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	for _, b := range resp.Buckets {
		if len(b.Rooms) == 0 {
			continue
		}
		fmt.Printf("== %s (%d)\n", b.Category, len(b.Rooms))
		printRooms(b.Rooms)
	}
}

func cmdSync(ctx context.Context, c *api.Client, user string, force, jsonOut bool) {
	start := time.Now()
	resp, err := c.SyncRooms(ctx, &api.SyncRoomsRequest{UserID: user, Force: force})
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Synced %d rooms for %s in %s\n", len(resp.Rooms), resp.UserID, time.Since(start).Round(time.Millisecond))
}

func cmdSetup(ctx context.Context, c *api.Client, user string, args []string, jsonOut bool) {
	switch args[0] {
	case "start":
		resp, err := c.StartSetup(ctx, &api.StartSetupRequest{UserID: user})
		if err != nil {
			fail(err)
		}
		if jsonOut {
			outputJSON(resp)
			return
		}
		fmt.Printf("Request: %s\n", resp.RequestID)
	case "status":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: roomsyncctl setup status <request-id>")
			os.Exit(1)
		}
		resp, err := c.GetSetupStatus(ctx, &api.GetSetupStatusRequest{RequestID: args[1]})
		if err != nil {
			fail(err)
		}
		if jsonOut {
			outputJSON(resp)
			return
		}
		st := resp.Status
		fmt.Printf("User:     %s\n", st.UserID)
		fmt.Printf("Progress: %d%%\n", st.Progress)
		fmt.Printf("Message:  %s\n", st.Message)
		fmt.Printf("Done:     %v\n", st.Done)
	default:
		fmt.Fprintf(os.Stderr, "unknown setup subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func cmdSessions(ctx context.Context, c *api.Client, jsonOut bool) {
	resp, err := c.ListSessions(ctx, &api.ListSessionsRequest{})
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	if len(resp.Sessions) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, s := range resp.Sessions {
		synced := "never"
		if s.LastSyncedAtMs > 0 {
			synced = time.UnixMilli(s.LastSyncedAtMs).Format(time.RFC3339)
		}
		fmt.Printf("%-32s %-10s %4d rooms  last sync %s\n", s.UserID, s.State, s.RoomCount, synced)
	}
}

func cmdWatch(c *api.Client, user string, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	w, err := c.WatchRooms(ctx, &api.WatchRoomsRequest{UserID: user})
	if err != nil {
		fail(err)
	}
	for {
		snap, err := w.Recv()
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return
		}
		if err != nil {
			fail(err)
		}
		if jsonOut {
			outputJSON(snap)
			continue
		}
		fmt.Printf("-- %s: %d rooms\n", time.UnixMilli(snap.OccurredAtUnixMs).Format(time.TimeOnly), len(snap.Rooms))
		printRooms(snap.Rooms)
	}
}

func printRooms(rooms []store.RoomRecord) {
	if len(rooms) == 0 {
		fmt.Println("No rooms.")
		return
	}
	for _, r := range rooms {
		unread := ""
		if n := r.EffectiveUnread(); n > 0 {
			unread = fmt.Sprintf("(%d)", n)
		}
		preview := strings.ReplaceAll(r.LastMessagePreview, "\n", " ")
		fmt.Printf("%-5s %-30s %-15s %s\n", unread, r.DisplayName, r.EntityKind, preview)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
