package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"proctorcall/internal/domain"
	"proctorcall/internal/realtime"
)

func newReplayCommand() *cobra.Command {
	var (
		asJSON  bool
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "replay <events.jsonl>",
		Short: "Rebuild a transcript from recorded control-stream events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open event log: %w", err)
			}
			defer f.Close()
			return replay(f, cmd.OutOrStdout(), asJSON, verbose)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print warnings and activity changes")
	return cmd
}

func replay(r io.Reader, out io.Writer, asJSON bool, verbose bool) error {
	var listener realtime.Listener = quietListener{}
	if verbose {
		listener = replayListener{out: out}
	}

	entries, err := realtime.ReplayEvents(r, listener, zap.NewNop().Sugar())
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	for _, entry := range entries {
		fmt.Fprintln(out, formatEntry(entry))
	}
	return nil
}

func formatEntry(entry domain.TranscriptEntry) string {
	return fmt.Sprintf("%3d  %-11s  %s", entry.Seq, entry.Role, entry.Content)
}

type quietListener struct{}

func (quietListener) ConnectionChanged(domain.ConnectionState) {}
func (quietListener) ActivityChanged(domain.Activity)          {}
func (quietListener) EntryAppended(domain.TranscriptEntry)     {}
func (quietListener) InterviewerDelta(string)                  {}
func (quietListener) ChannelWarning(domain.ErrorCode, string)  {}

type replayListener struct {
	quietListener
	out io.Writer
}

func (l replayListener) ActivityChanged(activity domain.Activity) {
	fmt.Fprintf(l.out, "# activity %s\n", activity)
}

func (l replayListener) ChannelWarning(code domain.ErrorCode, detail string) {
	fmt.Fprintf(l.out, "# warning %s: %s\n", code, detail)
}
