package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/session"
	"github.com/spf13/cobra"
)

var (
	roomsOutputFormat string
	roomDescription   string
	roomJoin          bool
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List or create rooms",
}

var roomsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rooms, newest first",
	Long: `List all rooms on the backend, newest first.

Examples:
  chatsync rooms list --user-id ada
  chatsync rooms list --user-id ada --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(ctx context.Context, s *session.Session) error {
			rooms := s.Rooms.List()
			if roomsOutputFormat == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rooms)
			}
			if len(rooms) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No rooms yet.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tDESCRIPTION\tCREATED")
			for _, r := range rooms {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Description, r.CreatedAt.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		})
	},
}

var roomsCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a room",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := domain.CreateRoomInput{
			Name:        strings.Join(args, " "),
			Description: roomDescription,
			Join:        roomJoin,
		}
		return withSession(cmd.Context(), func(ctx context.Context, s *session.Session) error {
			room, err := s.CreateRoom(ctx, in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created room %q (%s)\n", room.Name, room.ID)
			return nil
		})
	},
}

// findRoom accepts a room id or name.
func findRoom(s *session.Session, ref string) (domain.Room, bool) {
	if r, ok := s.Rooms.Get(ref); ok {
		return r, true
	}
	key := domain.NameKey(ref)
	for _, r := range s.Rooms.List() {
		if r.Name == key {
			return r, true
		}
	}
	return domain.Room{}, false
}

func init() {
	roomsListCmd.Flags().StringVarP(&roomsOutputFormat, "format", "f", "table", "output format: table or json")
	roomsCreateCmd.Flags().StringVarP(&roomDescription, "description", "d", "", "room description")
	roomsCreateCmd.Flags().BoolVar(&roomJoin, "join", false, "join the room after creating it")

	roomsCmd.AddCommand(roomsListCmd, roomsCreateCmd)
	rootCmd.AddCommand(roomsCmd)
}
