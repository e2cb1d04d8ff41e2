// File: cmd/tail.go
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/uia-bridge/internal/observability"
	"github.com/xkilldash9x/uia-bridge/internal/relay"
	"github.com/xkilldash9x/uia-bridge/internal/transcript"
)

func newTailCmd() *cobra.Command {
	var (
		deviceID   string
		fromStart  bool
		poll       bool
		errorsOnly bool
	)

	cmd := &cobra.Command{
		Use:   "tail [transcript]",
		Short: "Follows a session transcript",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			var path string
			switch {
			case len(args) == 1:
				path = args[0]
			case deviceID != "":
				path = transcript.Path(cfg.Transcript().Dir, deviceID)
			default:
				return errors.New("pass a transcript file or --device")
			}

			out := cmd.OutOrStdout()
			return transcript.Follow(cmd.Context(), observability.GetLogger(), path,
				transcript.FollowOptions{FromStart: fromStart, Poll: poll},
				func(l relay.Line) {
					if errorsOnly && l.Class == relay.ClassNormal {
						return
					}
					if l.Stream == "" {
						fmt.Fprintln(out, l.Text)
						return
					}
					fmt.Fprintln(out, transcript.Format(l))
				})
		},
	}
	cmd.Flags().StringVarP(&deviceID, "device", "d", "", "follow the transcript of this device in transcript.dir")
	cmd.Flags().BoolVar(&fromStart, "from-start", false, "print the existing transcript first")
	cmd.Flags().BoolVar(&poll, "poll", false, "poll instead of using file system notifications")
	cmd.Flags().BoolVar(&errorsOnly, "errors", false, "only show warning and fatal lines")
	return cmd
}
