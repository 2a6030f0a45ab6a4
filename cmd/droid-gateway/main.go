// ABOUTME: Entry point for the droid-gateway CLI
// ABOUTME: Serves a shared context daemon and drives gateways for probing, calls and watches

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/kbve/droid-gateway/internal/auth"
	"github.com/kbve/droid-gateway/internal/capability"
	"github.com/kbve/droid-gateway/internal/config"
	"github.com/kbve/droid-gateway/internal/daemon"
	"github.com/kbve/droid-gateway/internal/gateway"
)

// version is set at build time.
var version = "dev"

const banner = `
     _           _     _                    _
  __| |_ __ ___ (_) __| |   __ _  __ _| |_ _____      ____ _ _   _
 / _' | '__/ _ \| |/ _' |  / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_| | | | (_) | | (_| | | (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \__,_|_|  \___/|_|\__,_|  \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                           |___/                             |___/
`

func usage() {
	fmt.Println("Usage: droid-gateway <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                 Host a shared execution context")
	fmt.Println("  probe                 Print detected capabilities and the selected strategy")
	fmt.Println("  call <type> [json]    Make one RPC and print the response")
	fmt.Println("  watch <topic>         Print broadcasts on a topic until interrupted")
	fmt.Println("  token <subject>       Mint a session token")
	fmt.Println("  health                Check a daemon's health endpoint")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "probe":
		err = runProbe(os.Stdout)
	case "call":
		err = runCall(ctx, args, os.Stdout)
	case "watch":
		err = runWatch(ctx, args, os.Stdout)
	case "token":
		err = runToken(args, os.Stdout)
	case "health":
		err = runHealth(ctx)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	path := config.ResolvePath()
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stdout)

	listen := cfg.Context.Listen
	if listen == "" {
		listen = daemon.DefaultListen
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Context:   %s\n", listen)
	if cfg.Context.HealthListen != "" {
		green.Print("    ▶ ")
		fmt.Printf("Health:    %s\n", cfg.Context.HealthListen)
	}
	green.Print("    ▶ ")
	fmt.Printf("Topics:    %d configured\n", len(cfg.Topics))
	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("Auth:      disabled")
	}
	fmt.Println()

	logger.Info("starting droid-gateway", "config", configPath, "listen", listen)

	d, err := daemon.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating daemon: %w", err)
	}
	return d.Run(ctx)
}

func runProbe(w io.Writer) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	caps := capability.Cached()
	selected := capability.Select(caps)

	out := struct {
		Capabilities capability.Capabilities `json:"capabilities"`
		Selected     string                  `json:"selected"`
		Configured   string                  `json:"configured,omitempty"`
		Remote       string                  `json:"remote,omitempty"`
	}{caps, selected.String(), cfg.Gateway.Strategy, cfg.Context.Address}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// connect builds a gateway from the resolved config, logging to stderr.
func connect(ctx context.Context) (*gateway.Gateway, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cfg.Logging, os.Stderr)
	gw, err := gateway.New(ctx, cfg, gateway.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("connecting gateway: %w", err)
	}
	return gw, nil
}

func runCall(ctx context.Context, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	timeout := fs.Duration("timeout", 0, "Call timeout (default from rpc.default_timeout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("call requires a message type")
	}
	typ := fs.Arg(0)

	var payload json.RawMessage
	if fs.NArg() > 1 {
		payload = json.RawMessage(fs.Arg(1))
		if !json.Valid(payload) {
			return fmt.Errorf("payload is not valid JSON: %s", fs.Arg(1))
		}
	}

	gw, err := connect(ctx)
	if err != nil {
		return err
	}
	defer gw.Close()

	raw, err := gw.Call(ctx, typ, payload, *timeout)
	if err != nil {
		return err
	}
	return printJSON(w, raw)
}

func runWatch(ctx context.Context, args []string, w io.Writer) error {
	if len(args) < 1 {
		return errors.New("watch requires a topic")
	}
	topic := args[0]

	gw, err := connect(ctx)
	if err != nil {
		return err
	}
	defer gw.Close()

	gray := color.New(color.FgHiBlack)
	unsubscribe := gw.Subscribe(topic, func(payload json.RawMessage) {
		gray.Fprintf(w, "%s ", time.Now().Format("15:04:05"))
		if err := printJSON(w, payload); err != nil {
			fmt.Fprintf(w, "%s\n", payload)
		}
	})
	defer unsubscribe()

	<-ctx.Done()
	return nil
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		_, err := fmt.Fprintln(w, "null")
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func runToken(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	name := fs.String("name", "", "Display name claim")
	avatar := fs.String("avatar", "", "Avatar URL claim")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("token requires a subject")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(auth.Claims{
		Subject: fs.Arg(0),
		Name:    *name,
		Avatar:  *avatar,
	}, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Context.HealthListen == "" {
		return errors.New("context.health_listen is not configured")
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Context.HealthListen)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, body)
	}
	fmt.Println(string(body))
	return nil
}
