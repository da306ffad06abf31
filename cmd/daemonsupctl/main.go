// Command daemonsupctl is the operator- and agent-facing client for
// daemonsupd: acquire and release leases, trigger an ensure run, inspect
// status, and edit configuration, all from the command line or an
// interactive menu.
//
// Usage:
//
//	daemonsupctl <command> [arguments]
//
// Commands:
//
//	status       Show the daemon's current status
//	ensure       Trigger an ensure run and wait for the stack to be ready
//	lease        Acquire, heartbeat, or release a lease
//	configure    Interactively edit the daemon configuration
//	menu         Launch the interactive management menu
//	version      Print version information
//	help         Show this help message
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/daemonsup/daemonsup/internal/client"
	"github.com/daemonsup/daemonsup/internal/menu"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "daemonsupctl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return runHelp()
	}

	command := args[0]
	rest := args[1:]

	switch command {
	case "help", "-h", "--help":
		return runHelp()
	case "version", "-v", "--version":
		return runVersion()
	case "status":
		return runStatus(rest)
	case "ensure":
		return runEnsure(rest)
	case "lease":
		return runLease(rest)
	case "configure":
		return runConfigure(rest)
	case "menu":
		return runMenu(rest)
	default:
		return fmt.Errorf("unknown command %q (try 'daemonsupctl help')", command)
	}
}

func runHelp() error {
	fmt.Println("daemonsupctl - client for the daemonsup service-supervisor daemon")
	fmt.Println()
	fmt.Println("Usage: daemonsupctl <command> [arguments]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  status                Show the daemon's current status")
	fmt.Println("  ensure [--model=NAME] Trigger an ensure run and wait for readiness")
	fmt.Println("  lease acquire         Acquire a lease and heartbeat it until interrupted")
	fmt.Println("  lease release ID      Release a previously acquired lease")
	fmt.Println("  configure             Interactively edit the daemon configuration")
	fmt.Println("  configure --validate  Validate the configuration file and exit")
	fmt.Println("  menu                  Launch the interactive management menu")
	fmt.Println("  version               Print version information")
	fmt.Println("  help                  Show this help message")
	fmt.Println()
	fmt.Println("Connection flags (status, ensure, lease):")
	fmt.Println("  --host=HOST   Daemon host (default 127.0.0.1)")
	fmt.Println("  --port=PORT   Daemon port (default 8790)")
	fmt.Println("  --json        Print machine-readable JSON instead of a table (status only)")
	return nil
}

func runVersion() error {
	fmt.Printf("daemonsupctl %s (%s)\n", Version, Commit)
	return nil
}

// clientFlags are the connection flags shared by every subcommand that talks
// to the daemon.
type clientFlags struct {
	host string
	port int
	json bool
	rest []string
}

func parseClientFlags(args []string) clientFlags {
	f := clientFlags{host: "127.0.0.1", port: 8790}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case strings.HasPrefix(arg, "--host="):
			f.host = strings.TrimPrefix(arg, "--host=")
		case arg == "--host" && i+1 < len(args):
			i++
			f.host = args[i]
		case strings.HasPrefix(arg, "--port="):
			if p, err := strconv.Atoi(strings.TrimPrefix(arg, "--port=")); err == nil {
				f.port = p
			}
		case arg == "--port" && i+1 < len(args):
			i++
			if p, err := strconv.Atoi(args[i]); err == nil {
				f.port = p
			}
		case arg == "--json":
			f.json = true
		default:
			f.rest = append(f.rest, arg)
		}
	}
	return f
}

func newClient(f clientFlags) *client.Client {
	return client.New(client.Config{Host: f.host, Port: f.port})
}

func runStatus(args []string) error {
	f := parseClientFlags(args)
	c := newClient(f)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.EnsureDaemonRunning(ctx); err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}

	body, err := c.Status(ctx)
	if err != nil {
		return err
	}

	if f.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(body)
	}

	printStatusTable(body)
	return nil
}

func printStatusTable(body map[string]any) {
	fmt.Printf("%-14s %v\n", "ensuring", body["ensuring"])
	fmt.Printf("%-14s %v\n", "stage", body["stage"])
	fmt.Printf("%-14s %v\n", "last_error", body["last_error"])
	fmt.Printf("%-14s %v\n", "leases", body["leases"])

	services, _ := body["services"].(map[string]any)
	for _, name := range []string{"stt", "tts", "llm"} {
		svc, _ := services[name].(map[string]any)
		fmt.Printf("%-14s running=%v\n", name, svc["running"])
	}

	warm, _ := body["warm"].(map[string]any)
	fmt.Printf("%-14s model=%v done=%v\n", "warm", warm["model"], warm["done"])
}

func runEnsure(args []string) error {
	f := parseClientFlags(args)
	model := ""
	for _, a := range f.rest {
		if strings.HasPrefix(a, "--model=") {
			model = strings.TrimPrefix(a, "--model=")
		}
	}

	c := newClient(f)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	fmt.Println("ensuring stack is up, this can take a while on a cold start...")
	if err := c.EnsureStack(ctx, model); err != nil {
		return err
	}
	fmt.Println("stack ready")
	return nil
}

func runLease(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: daemonsupctl lease <acquire|release> [arguments]")
	}

	sub := args[0]
	f := parseClientFlags(args[1:])
	c := newClient(f)

	switch sub {
	case "acquire":
		return runLeaseAcquire(c)
	case "release":
		if len(f.rest) == 0 {
			return fmt.Errorf("usage: daemonsupctl lease release <lease-id>")
		}
		return runLeaseRelease(c, f.rest[0])
	default:
		return fmt.Errorf("unknown lease subcommand %q", sub)
	}
}

// runLeaseAcquire holds a lease and heartbeats it in the background until
// the process receives SIGINT or SIGTERM, then releases it.
func runLeaseAcquire(c *client.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	lease, err := c.AcquireLease(ctx, map[string]any{"tool": "daemonsupctl"})
	cancel()
	if err != nil {
		return err
	}

	fmt.Printf("lease acquired: %s (press Ctrl-C to release)\n", lease.ID)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	fmt.Println("releasing lease...")
	return lease.Close()
}

func runLeaseRelease(c *client.Client, leaseID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.ReleaseLease(ctx, leaseID); err != nil {
		return err
	}
	fmt.Println("lease released")
	return nil
}

func runMenu(args []string) error {
	return menu.CreateMainMenu().Display()
}
