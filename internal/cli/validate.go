package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-care-sensor/modules/metamux"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a metamux configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := metamux.Load(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mode: %s\n", cfg.Mode)
			fmt.Fprintf(out, "latency: %s\n", cfg.Latency)
			fmt.Fprintf(out, "timestamp_tolerance: %s\n", cfg.TimestampTolerance)
			fmt.Fprintf(out, "sources: %d\n", len(cfg.Sources))
			for _, src := range cfg.Sources {
				if src.Format == metamux.Binary {
					fmt.Fprintf(out, "  - %s (%s, %dx%d paxels, %d-byte vectors)\n",
						src.Name, src.Format, src.Flow.RowLength, src.Flow.ColumnLength, src.Flow.Vectors.RecordBytes())
					continue
				}
				fmt.Fprintf(out, "  - %s (%s)\n", src.Name, src.Format)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&path, "config", "c", "", "path to the YAML configuration")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}
