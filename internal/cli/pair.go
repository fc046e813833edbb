package cli

import (
	"fmt"
	"path/filepath"

	"github.com/sessionbrain/sessionbrain/internal/audit"
	"github.com/sessionbrain/sessionbrain/internal/config"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

var pairOutput string

// pairCmd renders the last pairing code a worker reported for a session
// as a scannable PNG.
var pairCmd = &cobra.Command{
	Use:   "pair <session-id>",
	Short: "Write the session's latest pairing QR code to a PNG file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📲 sessionbrain Pairing")
		sessionID := args[0]

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

		code, err := store.LastQRCode(sessionID)
		if err != nil {
			fmt.Printf("No pairing code for session %s: %v\n", sessionID, err)
			return
		}

		out := pairOutput
		if out == "" {
			out = filepath.Join(cfg.Paths.DataDir, "qr-"+sessionID+".png")
		}
		if err := qrcode.WriteFile(code, qrcode.Medium, 512, out); err != nil {
			fmt.Printf("QR write error: %v\n", err)
			return
		}
		fmt.Printf("🖼️  Pairing QR code saved to: %s\n", out)
		fmt.Println("Scan it with the phone that owns this session.")
	},
}

func init() {
	pairCmd.Flags().StringVarP(&pairOutput, "output", "o", "", "Output PNG path (default: <dataDir>/qr-<session>.png)")
}
