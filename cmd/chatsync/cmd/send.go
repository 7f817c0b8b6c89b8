package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/nfrund/chatsync/internal/session"
	"github.com/spf13/cobra"
)

var sendRoom string

var sendCmd = &cobra.Command{
	Use:   "send --room ROOM MESSAGE",
	Short: "Send a message to a room",
	Long: `Send posts MESSAGE to ROOM, given by id or name.

Example:
  chatsync send --user-id ada --room general "hello everyone"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := strings.Join(args, " ")
		return withSession(cmd.Context(), func(ctx context.Context, s *session.Session) error {
			room, ok := findRoom(s, sendRoom)
			if !ok {
				return fmt.Errorf("room %q not found", sendRoom)
			}
			m, err := s.SendMessage(ctx, body, room.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to %s\n", m.ID, room.Name)
			return nil
		})
	},
}

func init() {
	sendCmd.Flags().StringVarP(&sendRoom, "room", "r", "", "room id or name")
	_ = sendCmd.MarkFlagRequired("room")
	rootCmd.AddCommand(sendCmd)
}
