package cli

import (
	"fmt"
	"os"

	"github.com/sessionbrain/sessionbrain/internal/audit"
	"github.com/sessionbrain/sessionbrain/internal/config"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ sessionbrain Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusSession string
var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and recent session activity",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 sessionbrain Status")
		fmt.Printf("Version: %s\n", version)

		// Check config
		configPath, _ := config.ConfigPath()
		if _, err := os.Stat(configPath); err == nil {
			fmt.Println("Config:  ✓ Found (" + configPath + ")")
		} else {
			fmt.Println("Config:  ✗ Not found (using defaults)")
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config error: %v\n", err)
			return
		}
		fmt.Printf("Proxies:  %d configured\n", len(cfg.Inventory.Proxies))
		fmt.Printf("Profiles: %d configured\n", len(cfg.Inventory.Profiles))
		if cfg.Events.KafkaEnabled {
			fmt.Printf("Kafka:    ✓ Enabled (%s)\n", cfg.Events.Topic)
		} else {
			fmt.Println("Kafka:    ✗ Disabled")
		}
		if cfg.Notify.SlackEnabled {
			fmt.Println("Slack:    ✓ Enabled")
		} else {
			fmt.Println("Slack:    ✗ Disabled")
		}

		store, err := audit.NewStore(cfg.Paths.AuditDBPath())
		if err != nil {
			fmt.Printf("Audit store error: %v\n", err)
			return
		}
		defer store.Close()

		events, err := store.RecentEvents(statusSession, statusLimit)
		if err != nil {
			fmt.Printf("Audit query error: %v\n", err)
			return
		}
		if len(events) == 0 {
			fmt.Println("\nNo recorded session activity.")
			return
		}
		fmt.Println("\nRecent activity:")
		for _, ev := range events {
			line := fmt.Sprintf("  %s  %-22s %s", ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.Kind, ev.SessionID)
			if ev.ToStatus != "" {
				line += fmt.Sprintf("  %s → %s", ev.FromStatus, ev.ToStatus)
			}
			fmt.Println(line)
		}
	},
}

var decisionsLimit int

var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "List recent proxy block decisions",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("⚖️ sessionbrain Decisions")

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config error: %v\n", err)
			return
		}
		store, err := audit.NewStore(cfg.Paths.AuditDBPath())
		if err != nil {
			fmt.Printf("Audit store error: %v\n", err)
			return
		}
		defer store.Close()

		decs, err := store.RecentDecisions(decisionsLimit)
		if err != nil {
			fmt.Printf("Audit query error: %v\n", err)
			return
		}
		if len(decs) == 0 {
			fmt.Println("No recorded decisions.")
			return
		}
		for _, d := range decs {
			fmt.Printf("%s  %-12s %-20s ttl=%ds  %s\n",
				d.CreatedAt.Format("2006-01-02 15:04:05"), d.Kind, d.Target, d.TTLSec, d.Reason)
		}
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusSession, "session", "", "Limit activity to one session ID")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 15, "Number of activity rows to show")
	decisionsCmd.Flags().IntVar(&decisionsLimit, "limit", 20, "Number of decisions to show")
}
