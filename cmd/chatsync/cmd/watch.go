package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nfrund/chatsync/internal/app"
	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/spf13/cobra"
)

var watchRoom string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print state changes as they happen",
	Long: `Watch prints every local state change until interrupted. With --room the
room is joined first and new messages are printed as they arrive.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		return runWithDeps(cmd.Context(), func(ctx context.Context, deps *app.Dependencies) error {
			p := &printer{w: out, deps: deps}
			for _, event := range pubsub.AllTopics {
				topic := event.Name()
				err := pubsub.Subscribe(ctx, deps.Bus, event, func(_ context.Context, _ string, change pubsub.StateChange) error {
					p.print(topic, change)
					return nil
				})
				if err != nil {
					return err
				}
			}

			if watchRoom != "" {
				s, err := waitForSession(ctx, deps.Sessions)
				if err != nil {
					return err
				}
				room, ok := findRoom(s, watchRoom)
				if !ok {
					return fmt.Errorf("room %q not found", watchRoom)
				}
				if err := s.JoinRoom(ctx, room.ID); err != nil {
					return err
				}
			}
			<-ctx.Done()
			return nil
		})
	},
}

type printer struct {
	mu   sync.Mutex
	w    io.Writer
	deps *app.Dependencies
	seen string
}

func (p *printer) print(topic string, change pubsub.StateChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s %-18s %-20s room=%s user=%s\n",
		change.At.Local().Format(time.TimeOnly), topic, change.Kind, change.RoomID, change.UserID)

	if change.Kind != pubsub.KindMessageAdded {
		return
	}
	s, err := p.deps.Sessions.Current()
	if err != nil {
		return
	}
	msgs := s.Messages.Messages()
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	if last.ID == p.seen {
		return
	}
	p.seen = last.ID
	fmt.Fprintf(p.w, "    <%s> %s\n", last.Username, last.Content)
}

func init() {
	watchCmd.Flags().StringVarP(&watchRoom, "room", "r", "", "room id or name to join")
	rootCmd.AddCommand(watchCmd)
}
