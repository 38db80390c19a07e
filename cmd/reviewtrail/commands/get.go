package commands

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(getCmd)
}

var getCmd = &cobra.Command{
	Use:   "get <platform> <item id>",
	Short: "Prints an item of the latest export of a platform as JSON.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, configPath, false)
		if err != nil {
			return err
		}
		defer a.close(context.WithoutCancel(ctx))

		item, err := a.engine.GetItem(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(item)
	},
}
