package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lanseria/fy-4b-tools/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the environment configuration and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := config.Validate(cfg); err != nil {
			return err
		}
		fmt.Println("configuration valid")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
