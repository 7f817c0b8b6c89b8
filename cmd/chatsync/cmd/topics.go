package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/spf13/cobra"
)

var topicsOutputFormat string

// TopicDisplay is a state-change topic as the topics command prints it.
type TopicDisplay struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "List the state-change topics observers can subscribe to",
	Long: `List every topic on which local state changes are announced. The same
notifications are streamed on the serve command's /ws endpoint.

Examples:
  chatsync topics
  chatsync topics --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		topics := make([]TopicDisplay, 0, len(pubsub.AllTopics))
		for _, t := range pubsub.AllTopics {
			topics = append(topics, TopicDisplay{Name: t.Name(), Description: t.Description()})
		}
		if topicsOutputFormat == "json" {
			return displayTopicsJSON(cmd.OutOrStdout(), topics)
		}
		return displayTopicsTable(cmd.OutOrStdout(), topics)
	},
}

func displayTopicsTable(out io.Writer, topics []TopicDisplay) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDESCRIPTION")
	fmt.Fprintln(w, "----\t-----------")
	for _, t := range topics {
		fmt.Fprintf(w, "%s\t%s\n", t.Name, t.Description)
	}
	return w.Flush()
}

func displayTopicsJSON(out io.Writer, topics []TopicDisplay) error {
	output := struct {
		Topics []TopicDisplay `json:"topics"`
		Count  int            `json:"count"`
	}{Topics: topics, Count: len(topics)}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

func init() {
	topicsCmd.Flags().StringVarP(&topicsOutputFormat, "format", "f", "table", "output format: table or json")
	rootCmd.AddCommand(topicsCmd)
}
