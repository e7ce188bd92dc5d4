package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/shardproxy/internal/store/sqlite"
)

func newSessionsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List persisted upstream shard sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cfg.DatabasePath == "" {
				return fmt.Errorf("database_path is empty, nothing is persisted")
			}

			st, err := sqlite.New(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			states, err := st.ListShardStates(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SHARD\tSESSION\tSEQ\tRESUMABLE\tUPDATED")
			for _, s := range states {
				fmt.Fprintf(w, "%d\t%s\t%d\t%t\t%s\n",
					s.ShardID, s.SessionID, s.Sequence, s.Resumable(), s.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}
