// File: cmd/fetch.go
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/uia-bridge/internal/endpoint"
)

// newFetchCmd is the host task the injected script runs on every loop iteration. Whatever it
// prints on stdout is evaluated by the automation engine, so it prints nothing but the fragment.
func newFetchCmd() *cobra.Command {
	var (
		execPort     int
		callbackPort int
		wait         time.Duration
	)

	cmd := &cobra.Command{
		Use:    "fetch --exec-port <port> --callback-port <port>",
		Short:  "Prints the next script fragment of a running session (used by the injected script)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if wait <= 0 {
				wait = cfg.Bridge().FetchWait
			}
			script, err := endpoint.Fetch(cmd.Context(), endpoint.FetchOptions{
				Host:         cfg.Bridge().Host,
				ExecPort:     execPort,
				CallbackPort: callbackPort,
				Wait:         wait,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), script)
			return err
		},
	}
	cmd.Flags().IntVar(&execPort, "exec-port", 0, "execution endpoint port")
	cmd.Flags().IntVar(&callbackPort, "callback-port", 0, "callback endpoint port")
	cmd.Flags().DurationVar(&wait, "wait", 0, "how long to wait for a fragment (default bridge.fetch_wait)")
	_ = cmd.MarkFlagRequired("exec-port")
	return cmd
}
