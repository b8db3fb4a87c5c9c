package commands

import (
	"context"
	"log/slog"
	"strings"

	"snapr-harvest/cmd/snapr/globals"
	"snapr-harvest/internal/tokens"

	"github.com/spf13/cobra"
)

var noVerify bool

func init() {
	updateTemplateCmd.Flags().BoolVar(&noVerify, "no-verify", false, "Save the template without replaying it once")
	updateRefreshTokenCmd.Flags().BoolVar(&noVerify, "no-verify", false, "Save the template without replaying it once")
}

var updateTemplateCmd = &cobra.Command{
	Use:     "update-token-template <curl command>",
	Aliases: []string{"update-curl"},
	Short:   "Replace the stored token request with a curl command copied from the browser.",
	Long: `Replace the stored token request with a curl command copied from the browser
(devtools > network > the POST to the /oauth2/v2.0/token endpoint > copy as cURL).

The command is stored as it is and replayed literally whenever a token is needed,
only its refresh_token field is ever rewritten.`,
	Example: `  snapr update-token-template "curl 'https://bisexternal.ciamlogin.com/.../oauth2/v2.0/token' -H 'Accept: */*' ... --data-raw '...'"`,
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g := globals.Get(cmd.Context())

		template, err := tokens.ParseCommand(strings.Join(args, " "))
		if err != nil {
			return err
		}
		slog.Debug("parsed command", "parts", len(template), "head", template[:min(len(template), 3)])

		err = save(g, template)
		if err != nil {
			return err
		}
		slog.Info("token request updated", "parts", len(template), "path", g.Settings.ConfigPath)
		verify(cmd.Context(), g)
		return nil
	},
}

var updateRefreshTokenCmd = &cobra.Command{
	Use:     "update-refresh-token <refresh token>",
	Aliases: []string{"uu"},
	Short:   "Store a minimal token request that trades the given refresh token for an access token.",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g := globals.Get(cmd.Context())

		refreshToken := strings.TrimSpace(args[0])
		template := tokens.RefreshTemplate(refreshToken)
		err := save(g, template)
		if err != nil {
			return err
		}
		slog.Info("token request updated to use the refresh token", "path", g.Settings.ConfigPath)
		verify(cmd.Context(), g)
		return nil
	},
}

func save(g *globals.Value, template tokens.Template) error {
	err := template.Validate()
	if err != nil {
		return err
	}
	store := g.ConfigStore()
	// a broken file is about to be replaced anyways
	config, _ := store.Load()
	config.CurlCommand = template
	return store.Save(config)
}

// verify obtains a token once with the freshly stored template. It only ever
// reports, the template is already saved.
func verify(ctx context.Context, g *globals.Value) {
	if noVerify {
		return
	}
	provider, err := g.Provider()
	if err != nil {
		slog.Warn("could not verify the token request", "err", err)
		return
	}
	cred, err := provider.Obtain(ctx)
	if err != nil {
		slog.Warn("the token request was saved but replaying it failed", "err", err)
		return
	}
	slog.Info(
		"token request works, access token found in response",
		"token_type", cred.TokenType,
		"expires_in", cred.ExpiresIn,
		"rotates", cred.RefreshToken != "",
	)
	slog.Info("you can now run 'snapr query'")
}
