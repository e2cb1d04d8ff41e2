// File: cmd/devices.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/uia-bridge/internal/device"
	"github.com/xkilldash9x/uia-bridge/internal/observability"
)

func newDevicesCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Lists attached devices, or reports attach and detach events with --watch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			access := device.NewAccess(observability.GetLogger(), cfg.Device())
			out := cmd.OutOrStdout()

			if !watch {
				ids, err := access.List(ctx)
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(out, id)
				}
				return nil
			}

			for ev := range access.Watch(ctx) {
				fmt.Fprintf(out, "%s %s\n", ev.Kind, ev.UUID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep running and report changes")
	return cmd
}
