package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/nearwire/nearwire/internal/config"
	"github.com/nearwire/nearwire/internal/engine"
	"github.com/nearwire/nearwire/internal/trust"
)

const version = "v0.1.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	switch args[0] {
	case "discover":
		runDiscover(args[1:])
	case "send":
		runSend(args[1:])
	case "listen":
		runListen(args[1:])
	case "--version", "-v", "version":
		fmt.Printf("nearwire %s\n", version)
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: nearwire <command> [flags]")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  discover   scan for nearby devices and print them")
	fmt.Fprintln(os.Stderr, "  send       send a file to a peer")
	fmt.Fprintln(os.Stderr, "  listen     wait for incoming connections and files")
	fmt.Fprintln(os.Stderr, "examples:")
	fmt.Fprintln(os.Stderr, "  nearwire discover")
	fmt.Fprintln(os.Stderr, "  nearwire send report.pdf --peer 4f1a2b3c4d5e6f70")
	fmt.Fprintln(os.Stderr, "  nearwire listen --download-dir ~/Downloads")
}

// commonFlags registers the flags every subcommand shares on fs and
// returns a function applying them over the defaults.
func commonFlags(fs *flag.FlagSet) func() config.Config {
	cfg := config.Default()
	fs.StringVar(&cfg.LogLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Identity.DeviceName, "device-name", cfg.Identity.DeviceName, "device name announced to peers")
	fs.StringVar(&cfg.Identity.KeyDir, "key-dir", defaultKeyDir(), "directory holding the identity keypair")
	fs.IntVar(&cfg.Networking.ListenPort, "port", cfg.Networking.ListenPort, "listen port")
	fs.StringVar(&cfg.Security.TrustMode, "trust-mode", cfg.Security.TrustMode, "trust mode (open, manual, allowlist_only)")
	fs.StringVar(&cfg.Security.TrustStorePath, "trust-store", cfg.Security.TrustStorePath, "SQLite trust store path")
	fs.IntVar(&cfg.Discovery.TimeoutSecs, "timeout", cfg.Discovery.TimeoutSecs, "discovery window in seconds")
	fs.StringVar(&cfg.Transfer.DownloadDir, "download-dir", cfg.Transfer.DownloadDir, "directory for received files")
	return func() config.Config { return cfg }
}

func defaultKeyDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.nearwire"
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "nearwire: %v\n", err)
	os.Exit(1)
}

func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func startEngine(cfg config.Config, opts engine.Options) *engine.Engine {
	e, err := engine.New(cfg, opts)
	if err != nil {
		fatal(err)
	}
	return e
}

func runDiscover(args []string) {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	getCfg := commonFlags(fs)
	fs.Parse(args)
	cfg := getCfg()

	ctx, cancel := interruptContext()
	defer cancel()

	e := startEngine(cfg, engine.Options{})
	defer e.Shutdown(context.Background())

	fmt.Printf("scanning for %ds (this device: %s %s)\n",
		cfg.Discovery.TimeoutSecs, e.DeviceName(), e.PeerID())

	peers, err := e.DiscoverPeers(ctx)
	if err != nil {
		fatal(err)
	}
	if len(peers) == 0 {
		fmt.Println("no peers found")
		return
	}
	for _, p := range peers {
		fmt.Printf("%s  %-20s  via %v  at %v\n",
			p.PeerID, p.DisplayName, p.Methods, p.Addresses)
	}
}

func runSend(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	getCfg := commonFlags(fs)
	peerID := fs.String("peer", "", "peer ID to send to (required)")
	fs.Parse(args)
	cfg := getCfg()

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: nearwire send <file> --peer <id>")
		os.Exit(2)
	}
	if *peerID == "" {
		fmt.Fprintln(os.Stderr, "--peer is required")
		os.Exit(2)
	}
	path := fs.Arg(0)
	info, err := os.Stat(path)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := interruptContext()
	defer cancel()

	e := startEngine(cfg, engine.Options{})
	defer e.Shutdown(context.Background())

	fmt.Printf("looking for peer %s...\n", *peerID)
	if err := waitForPeer(ctx, e, *peerID); err != nil {
		fatal(err)
	}

	session, err := e.ConnectToPeer(ctx, *peerID)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("connected to %s over %s\n", session.PeerName, session.Transport)

	handle, err := e.TransferFile(ctx, path, *peerID)
	if err != nil {
		fatal(err)
	}

	bar := progressbar.DefaultBytes(info.Size(), "sending")
	done := make(chan error, 1)
	go func() { done <- handle.Wait(ctx) }()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				fmt.Fprintln(os.Stderr)
				fatal(err)
			}
			bar.Set64(info.Size())
			fmt.Println("\ntransfer complete")
			return
		case <-ticker.C:
			bar.Set64(int64(handle.Progress() * float64(info.Size())))
		}
	}
}

// waitForPeer polls discovery until the peer shows up or ctx ends.
func waitForPeer(ctx context.Context, e *engine.Engine, peerID string) error {
	for {
		peers, err := e.Peers(ctx)
		if err != nil {
			return err
		}
		for _, p := range peers {
			if p.PeerID == peerID {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("peer %s not found: %w", peerID, ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func runListen(args []string) {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	getCfg := commonFlags(fs)
	fs.Parse(args)
	cfg := getCfg()

	ctx, cancel := interruptContext()
	defer cancel()

	e := startEngine(cfg, engine.Options{
		Approver: terminalApprover,
		OnFileReceived: func(peerID, path string) {
			fmt.Printf("received %s from %s\n", path, peerID)
		},
	})
	defer e.Shutdown(context.Background())

	fmt.Printf("listening as %s (%s) on port %d, downloads to %s\n",
		e.DeviceName(), e.PeerID(), cfg.Networking.ListenPort, cfg.Transfer.DownloadDir)
	fmt.Println("press Ctrl-C to stop")

	<-ctx.Done()
	fmt.Println("\nshutting down")
}

// terminalApprover asks on stdin whether to admit a peer.
func terminalApprover(ctx context.Context, entry trust.Entry) (bool, error) {
	fmt.Printf("peer %s (%s) wants to connect. allow? [y/N] ", entry.DeviceName, entry.PeerID)
	answer := make(chan string, 1)
	go func() {
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		answer <- strings.TrimSpace(strings.ToLower(line))
	}()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case line := <-answer:
		return line == "y" || line == "yes", nil
	}
}
