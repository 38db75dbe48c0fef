package commands

import (
	"fmt"

	"promohunter/internal/crawler"
	"promohunter/internal/pkg/logger"

	"github.com/spf13/cobra"
)

var seedsCmd = &cobra.Command{
	Use:   "seeds [--config <path>]",
	Short: "Lists the seed URLs that a crawl would start from.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		seeds, err := crawler.LoadSeeds(cfg.App.SeedDir, logger.NewDefault("warn"))
		if err != nil {
			return err
		}
		for _, s := range seeds {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", s.Segment, s.URL)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedsCmd)
}
