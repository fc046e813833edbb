package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sessionbrain/sessionbrain/internal/config"
	"github.com/sessionbrain/sessionbrain/internal/plane"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the control plane in the foreground",
	Run:   runDaemon,
}

var daemonSignalNotify = signal.Notify
var daemonSignalStop = signal.Stop

func runDaemon(cmd *cobra.Command, args []string) {
	printHeader("🧠 sessionbrain Daemon")

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}
	if len(cfg.Inventory.Proxies) == 0 {
		fmt.Println("Warning: no proxies configured, allocations will fail")
	}

	p, err := plane.New(cfg, nil)
	if err != nil {
		fmt.Printf("Startup error: %v\n", err)
		os.Exit(1)
	}
	defer p.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	daemonSignalNotify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer daemonSignalStop(sigChan)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()
	}()

	p.Run(ctx)
}
