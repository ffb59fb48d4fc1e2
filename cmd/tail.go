package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode"

	"github.com/charmbracelet/lipgloss"
	"github.com/klauspost/compress/zstd"
	"github.com/taskhive/taskhive-go/pkg/auth"
	"github.com/taskhive/taskhive-go/pkg/config"
	"github.com/taskhive/taskhive-go/pkg/events"
	"github.com/taskhive/taskhive-go/pkg/realtime"
	"github.com/taskhive/taskhive-go/pkg/storage"
	"github.com/urfave/cli/v3"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Styles for --pretty output
var (
	eventStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	lifecycleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214"))

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	payloadStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))
)

var titleCaser = cases.Title(language.English)

// TailCommand creates a CLI command that connects to the push endpoint and
// writes workspace events to stdout as NDJSON, one event per line.
//
// Typical usage:
//
//	taskhive tail
//	taskhive tail --project prj_123 --project prj_456
//	taskhive tail | jq -r 'select(.event=="todoUpdated") | .payload.title'
//
// The connection heals itself: short blips are retried by the transport,
// longer outages by the scheduled reconnect cycle, and token rotations
// replace the connection transparently. The command exits on SIGINT/SIGTERM.
func TailCommand() *cli.Command {
	return &cli.Command{
		Name:  "tail",
		Usage: "Stream realtime workspace events (NDJSON) from the push endpoint",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "project",
				Usage: "Join a project group on connect. Can be used multiple times",
			},
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Include synthetic connected/reconnected events in the stream",
				Value: false,
			},
			&cli.BoolFlag{
				Name:  "pretty",
				Usage: "Human-readable output instead of raw NDJSON",
				Value: false,
			},
			&cli.StringFlag{
				Name:  "output",
				Usage: "Also append events to a file; a .zst suffix enables zstd compression",
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "Access token override (defaults to the stored one)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			opts := tailOptions{
				projects: c.StringSlice("project"),
				all:      c.Bool("all"),
				pretty:   c.Bool("pretty"),
				output:   c.String("output"),
				token:    c.String("token"),
				stdout:   os.Stdout,
				stderr:   os.Stderr,
			}
			return tailEvents(ctx, cfg, opts)
		},
	}
}

type tailOptions struct {
	projects []string
	all      bool
	pretty   bool
	output   string
	token    string
	stdout   *os.File
	stderr   *os.File
}

// tailEvent is the NDJSON line shape.
type tailEvent struct {
	Time    time.Time `json:"time"`
	Event   string    `json:"event"`
	Payload any       `json:"payload,omitempty"`
}

func tailEvents(ctx context.Context, cfg *config.Config, opts tailOptions) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var capture *captureWriter
	if opts.output != "" {
		capture, err = newCaptureWriter(opts.output)
		if err != nil {
			return fmt.Errorf("opening output file: %w", err)
		}
		defer func() {
			if err := capture.Close(); err != nil {
				_, _ = fmt.Fprintf(opts.stderr, "Warning: closing output: %v\n", err)
			}
		}()
	}

	// A credential-file watcher lets the manager react to tokens rotated by
	// other processes without waiting for the next poll.
	var changes <-chan struct{}
	watcher, err := storage.NewWatcher(cfg.DBPath())
	if err != nil {
		_, _ = fmt.Fprintf(opts.stderr, "Warning: credential watcher unavailable: %v\n", err)
	} else {
		changes = watcher.Events()
		defer func() { _ = watcher.Close() }()
	}

	tokens := auth.New(store, auth.Config{
		RefreshURL: cfg.RefreshURL(),
		Timeout:    cfg.Auth.RefreshTimeout.Duration,
	})
	mgr, err := realtime.NewManager(realtime.Config{
		URL:                  cfg.ResolveRealtimeURL(),
		Store:                store,
		TokenSource:          tokens,
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
		ReconnectBaseDelay:   cfg.Realtime.ReconnectBaseDelay.Duration,
		ReconnectMaxDelay:    cfg.Realtime.ReconnectMaxDelay.Duration,
		RotationInterval:     cfg.Realtime.RotationInterval.Duration,
		DialTimeout:          cfg.Realtime.DialTimeout.Duration,
		StorageChanges:       changes,
	})
	if err != nil {
		return fmt.Errorf("building connection manager: %w", err)
	}
	defer mgr.Disconnect()

	// Events flow through a buffered stream so a slow terminal or output
	// file never backpressures the transport read loop. Bursts beyond the
	// buffer drop for this consumer only; the count is reported at exit.
	hub := mgr.Hub()
	names := events.ServerEvents()
	if opts.all {
		names = append(names, events.LocalEvents()...)
	}
	stream := events.NewStream(hub, 256, names...)
	defer stream.Close()

	printEvent := func(ev events.Event) {
		line := tailEvent{Time: time.Now().UTC(), Event: ev.Name, Payload: ev.Payload}
		if opts.pretty {
			_, _ = fmt.Fprintln(opts.stdout, renderPretty(line))
		} else {
			raw, err := json.Marshal(line)
			if err != nil {
				_, _ = fmt.Fprintf(opts.stderr, "Warning: encoding event: %v\n", err)
				return
			}
			_, _ = fmt.Fprintln(opts.stdout, string(raw))
		}
		if capture != nil {
			if err := capture.WriteEvent(line); err != nil {
				_, _ = fmt.Fprintf(opts.stderr, "Warning: writing output: %v\n", err)
			}
		}
	}

	// Project groups are per-connection server state, so joins re-run after
	// every connect and transport-level reconnect. These stay direct hub
	// registrations: joins must not queue behind pending output.
	if len(opts.projects) > 0 {
		join := func(any) {
			for _, p := range opts.projects {
				mgr.Groups().JoinProject(ctx, p)
			}
		}
		hub.On(events.Connected, join)
		hub.On(events.Reconnected, join)
	}

	_, _ = fmt.Fprintf(opts.stderr, "Connecting to %s\n", cfg.ResolveRealtimeURL())
	if opts.token != "" {
		err = mgr.ConnectWithToken(ctx, opts.token)
	} else {
		err = mgr.Connect(ctx)
	}
	if err != nil {
		if errors.Is(err, realtime.ErrNoAccessToken) {
			return fmt.Errorf("no credentials stored: run 'taskhive token set' first")
		}
		_, _ = fmt.Fprintf(opts.stderr, "Initial connect failed (%v), retrying in background\n", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case ev := <-stream.Events():
			printEvent(ev)
		case sig := <-sigCh:
			_, _ = fmt.Fprintf(opts.stderr, "\nReceived %s, shutting down...\n", sig)
			return finishTail(ctx, mgr, stream, opts)
		case <-ctx.Done():
			return finishTail(ctx, mgr, stream, opts)
		}
	}
}

func finishTail(ctx context.Context, mgr *realtime.Manager, stream *events.Stream, opts tailOptions) error {
	for _, p := range opts.projects {
		mgr.Groups().LeaveProject(ctx, p)
	}
	if n := stream.Dropped(); n > 0 {
		_, _ = fmt.Fprintf(opts.stderr, "Warning: %d events dropped (consumer too slow)\n", n)
	}
	return nil
}

func renderPretty(ev tailEvent) string {
	ts := timeStyle.Render(ev.Time.Local().Format("15:04:05"))
	name := titleCaser.String(splitCamelCase(ev.Event))
	style := eventStyle
	if ev.Event == events.Connected || ev.Event == events.Reconnected {
		style = lifecycleStyle
	}
	head := fmt.Sprintf("%s %s", ts, style.Render(name))
	if ev.Payload == nil {
		return head
	}
	body, err := json.MarshalIndent(ev.Payload, "", "  ")
	if err != nil {
		return head
	}
	return head + "\n" + payloadStyle.Render(string(body))
}

// splitCamelCase turns wire names like memberAdded into "member added".
func splitCamelCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && unicode.IsUpper(r) {
			b.WriteRune(' ')
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// captureWriter appends NDJSON events to a file, compressing with zstd when
// the path carries a .zst suffix.
type captureWriter struct {
	f   *os.File
	zw  *zstd.Encoder
	enc *json.Encoder
}

func newCaptureWriter(path string) (*captureWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	cw := &captureWriter{f: f}
	if strings.HasSuffix(path, ".zst") {
		zw, err := zstd.NewWriter(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		cw.zw = zw
		cw.enc = json.NewEncoder(zw)
	} else {
		cw.enc = json.NewEncoder(f)
	}
	return cw, nil
}

func (w *captureWriter) WriteEvent(ev tailEvent) error {
	return w.enc.Encode(ev)
}

func (w *captureWriter) Close() error {
	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			_ = w.f.Close()
			return err
		}
	}
	return w.f.Close()
}
