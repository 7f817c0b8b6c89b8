package cmd

import (
	"context"

	"github.com/nfrund/chatsync/internal/app"
	"github.com/nfrund/chatsync/internal/server"
	"github.com/nfrund/chatsync/internal/websocket"
	"github.com/spf13/cobra"
)

var (
	serveAddr    string
	serveOrigins []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket bridge",
	Long: `Serve exposes the logged-in user's rooms, messages and presence as a JSON
API and streams state changes on /ws. Login and logout follow --session-file
when it is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("addr") {
			cfg.HTTPAddr = serveAddr
		}
		return runWithDeps(cmd.Context(), func(ctx context.Context, deps *app.Dependencies) error {
			bridge := websocket.NewBridge(deps.Sessions, websocket.WithOriginPatterns(serveOrigins...))
			if err := bridge.Start(ctx, deps.Bus); err != nil {
				return err
			}
			return server.New(deps.Sessions, bridge).Start(ctx, cfg.GetHTTPAddr())
		})
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (env CHATSYNC_HTTP_ADDR)")
	serveCmd.Flags().StringSliceVar(&serveOrigins, "origin", nil, "allowed WebSocket origin patterns; any origin when empty")
	rootCmd.AddCommand(serveCmd)
}
