// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/careline/careline/internal/app"
	"github.com/careline/careline/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("careline v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	command := args[0]
	switch command {
	case "relay":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: relay command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: careline relay <dir>")
			os.Exit(1)
		}
		run(args[1], app.RunRelay)

	case "client":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: client command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: careline client <dir>")
			os.Exit(1)
		}
		run(args[1], app.RunClient)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		showUsage()
		os.Exit(1)
	}
}

func run(dir string, fn func(context.Context, app.Options) error) {
	cfgPath := filepath.Join(dir, "config.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if created {
		log.Printf("created default config at %s", cfgPath)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := fn(ctx, app.Options{Dir: dir, CfgPath: cfgPath, Cfg: cfg}); err != nil {
		log.Fatalf("run: %v", err)
	}
}

func showUsage() {
	fmt.Println(`careline - realtime care communication

Usage:
  careline relay <dir>    Run the signaling/chat relay service
  careline client <dir>   Run a headless client (presence, calls, chat)

Flags:
  -h         Show help
  -version   Show version

The directory holds config.json (created with defaults on first run) and
the client state database.`)
}
