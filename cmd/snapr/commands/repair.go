package commands

import (
	"log/slog"

	"snapr-harvest/cmd/snapr/globals"

	"github.com/spf13/cobra"
)

var repairConfigCmd = &cobra.Command{
	Use:     "repair-config",
	Aliases: []string{"fix-config"},
	Short:   "Check the stored token request for known problems and fix them.",
	Long: `Check the stored token request for known problems and fix them.

Currently this detects a refresh_token field that holds a whole JSON token
response instead of the token itself, ex. refresh_token={"refresh_token":"abc"},
and rewrites it to refresh_token=abc.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		g := globals.Get(cmd.Context())
		store := g.ConfigStore()

		slog.Info("checking configuration file", "path", store.Path())
		config, err := store.Load()
		if err != nil {
			return err
		}
		err = config.CurlCommand.Validate()
		if err != nil {
			return err
		}

		repaired, fixed := config.CurlCommand.Repair()
		if !fixed {
			_, hasRefreshToken := config.CurlCommand.RefreshToken()
			slog.Info("no problems found", "has_refresh_token", hasRefreshToken)
			return nil
		}

		config.CurlCommand = repaired
		err = store.Save(config)
		if err != nil {
			return err
		}
		slog.Info("fixed malformed refresh token in the token request")
		return nil
	},
}
