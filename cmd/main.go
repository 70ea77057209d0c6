package cmd

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var CMD = &cobra.Command{
	Use:   "loralink",
	Short: "LoRa telemetry node",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		godotenv.Load()
		return nil
	},
}
