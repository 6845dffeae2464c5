package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-tensordecode/common"
	"github.com/nvr-ai/go-tensordecode/models/postprocess"
)

var anchorsFormat string

var anchorsCmd = &cobra.Command{
	Use:   "anchors",
	Short: "Print the SSD anchors generated from the config",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		anchors, err := postprocess.GenerateAnchors(cfg.Anchors)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		switch anchorsFormat {
		case "count":
			_, err = fmt.Fprintln(out, len(anchors))
			return err
		case "yaml":
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			if err := enc.Encode(anchors); err != nil {
				return err
			}
			return enc.Close()
		}
		return common.ArgumentErrorf("unknown format `%s`, want yaml or count", anchorsFormat)
	},
}

func init() {
	anchorsCmd.Flags().StringVarP(&anchorsFormat, "format", "f", "yaml", "output format: yaml or count")
	rootCmd.AddCommand(anchorsCmd)
}
