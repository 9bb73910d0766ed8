package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/keelhq/prefsync/internal/hub"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the realtime settings hub",
	Long: `Start the WebSocket hub that socket adapters connect to.

The hub keeps one retained settings document per room, acknowledges
every sync and pull, and broadcasts accepted updates to the other
clients in the same room. Stale documents (older updatedAt than the
retained state) are acknowledged but not rebroadcast.

Example usage:
  prefsync serve                 # default port 8384
  prefsync serve --port 9000

Connect with a socket adapter:
  ws://localhost:8384/ws?room=<room>&user=<user>`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		port, _ := cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("port") {
			port = cfg.HubPort
		}

		server := hub.NewServer(&hub.Config{
			Port:   port,
			Logger: log.New(os.Stderr, "[hub] ", log.LstdFlags),
		})
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start hub: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Hub started on http://%s\n", server.Addr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.Addr())
		fmt.Printf("Health check: http://%s/health\n", server.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8384, "Port to listen on")
	rootCmd.AddCommand(serveCmd)
}
