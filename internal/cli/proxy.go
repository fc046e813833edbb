package cli

import (
	"fmt"
	"time"

	"github.com/sessionbrain/sessionbrain/internal/audit"
	"github.com/sessionbrain/sessionbrain/internal/config"
	"github.com/spf13/cobra"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Inspect the proxy inventory",
}

// proxyListCmd joins the configured inventory with the latest block
// decision per proxy so an operator can see which exits are likely
// still cooling down.
var proxyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured proxies and their last block decision",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🌐 sessionbrain Proxies")

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config error: %v\n", err)
			return
		}
		if len(cfg.Inventory.Proxies) == 0 {
			fmt.Println("No proxies configured.")
			return
		}

		lastBlock := map[string]audit.Decision{}
		if store, err := audit.NewStore(cfg.Paths.AuditDBPath()); err == nil {
			if decs, err := store.RecentDecisions(200); err == nil {
				for _, d := range decs {
					if _, seen := lastBlock[d.Target]; !seen {
						lastBlock[d.Target] = d
					}
				}
			}
			store.Close()
		}

		now := time.Now()
		for _, id := range cfg.Inventory.Proxies {
			d, ok := lastBlock[id]
			if !ok {
				fmt.Printf("  %-30s no block history\n", id)
				continue
			}
			until := d.CreatedAt.Add(time.Duration(d.TTLSec) * time.Second)
			state := "expired"
			if until.After(now) {
				state = "cooling until " + until.Format("15:04:05")
			}
			fmt.Printf("  %-30s last blocked %s (%s, %s)\n",
				id, d.CreatedAt.Format("2006-01-02 15:04"), d.Reason, state)
		}
	},
}

func init() {
	proxyCmd.AddCommand(proxyListCmd)
}
