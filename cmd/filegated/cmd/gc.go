package cmd

import (
	"context"

	"github.com/apex/log"
	"github.com/materials-commons/filegate/pkg/gc"
	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove expired locks and old editing sessions once and exit",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			log.Fatalf("gc: %s", err)
		}

		gw, err := newGateway(cfg)
		if err != nil {
			log.Fatalf("gc: %s", err)
		}

		stats, err := gc.NewCollector(cfg.GC, gw.locks, gw.sessions).RunNow(context.Background())
		log.Infof("%s", stats.Summary())
		if err != nil {
			log.Fatalf("gc: %s", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(gcCmd)
}
