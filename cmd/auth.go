package main

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/intake-cli/internal/clio"
	"github.com/sells-group/intake-cli/internal/config"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authorize the CRM OAuth application",
	Long:  "Obtain and inspect the OAuth token pair used by the pipeline. Tokens are written to clio.token_file.",
}

var authURLCmd = &cobra.Command{
	Use:   "url",
	Short: "Print the authorization page URL",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("auth"); err != nil {
			return err
		}
		creds, err := initCredentials(cfg.Clio)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, creds.AuthCodeURL(uuid.NewString()))
		return nil
	},
}

var authExchangeCmd = &cobra.Command{
	Use:   "exchange",
	Short: "Exchange an authorization code for tokens",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("auth"); err != nil {
			return err
		}
		if cfg.Clio.TokenFile == "" {
			return eris.New("auth exchange: clio.token_file is required to keep the tokens")
		}
		creds, err := initCredentials(cfg.Clio)
		if err != nil {
			return err
		}
		code, _ := cmd.Flags().GetString("code")
		st, err := creds.Exchange(cmd.Context(), code)
		if err != nil {
			return eris.Wrap(err, "auth exchange")
		}
		fmt.Fprintf(os.Stdout, "Tokens saved to %s (access token %s)\n", cfg.Clio.TokenFile, maskToken(st.AccessToken))
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which tokens are available",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := cfg.Clio.InitialTokens()
		if err != nil {
			return err
		}
		writeAuthStatus(os.Stdout, cfg.Clio, st)
		return nil
	},
}

type authStatus struct {
	HasAccessToken     bool   `json:"has_access_token"`
	HasRefreshToken    bool   `json:"has_refresh_token"`
	TokenFileExists    bool   `json:"token_file_exists"`
	AccessTokenPreview string `json:"access_token_preview,omitempty"`
}

func newAuthStatus(c config.ClioConfig, st clio.TokenState) authStatus {
	s := authStatus{
		HasAccessToken:  st.AccessToken != "",
		HasRefreshToken: st.RefreshToken != "",
	}
	if c.TokenFile != "" {
		_, err := os.Stat(c.TokenFile)
		s.TokenFileExists = err == nil
	}
	if s.HasAccessToken {
		s.AccessTokenPreview = maskToken(st.AccessToken)
	}
	return s
}

func writeAuthStatus(w io.Writer, c config.ClioConfig, st clio.TokenState) {
	s := newAuthStatus(c, st)
	fmt.Fprintf(w, "access token:  %t\n", s.HasAccessToken)
	fmt.Fprintf(w, "refresh token: %t\n", s.HasRefreshToken)
	fmt.Fprintf(w, "token file:    %s (exists: %t)\n", c.TokenFile, s.TokenFileExists)
	if s.AccessTokenPreview != "" {
		fmt.Fprintf(w, "preview:       %s\n", s.AccessTokenPreview)
	}
}

// maskToken keeps the first 8 and last 4 characters of a token.
func maskToken(tok string) string {
	if len(tok) <= 12 {
		return "****"
	}
	return tok[:8] + "..." + tok[len(tok)-4:]
}

func init() {
	authExchangeCmd.Flags().String("code", "", "authorization code from the callback")
	_ = authExchangeCmd.MarkFlagRequired("code")

	authCmd.AddCommand(authURLCmd)
	authCmd.AddCommand(authExchangeCmd)
	authCmd.AddCommand(authStatusCmd)
	rootCmd.AddCommand(authCmd)
}
