package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/walletbridge/internal/origin"
)

var errDenied = errors.New("origin not allowed")

func init() {
	rootCmd.AddCommand(checkOriginCmd)
}

var checkOriginCmd = &cobra.Command{
	Use:   "check-origin <origin-or-url>",
	Short: "Dry-run the origin policy",
	Long: "Reports whether the configured allowlist admits an origin. A full URL is\n" +
		"also checked against the navigation rules (https only, no credentials).\n" +
		"Exit code 0 if allowed, 1 if not.",
	Args: cobra.ExactArgs(1),
	RunE: runCheckOrigin,
}

func runCheckOrigin(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	allow, hash, err := cfg.AllowList()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	raw := args[0]
	o, err := origin.Parse(raw)
	if err != nil {
		// Not a bare origin: treat it as a page URL.
		if navErr := origin.CheckNavigation(raw); navErr != nil {
			fmt.Fprintf(out, "DENY  %s: %v\n", raw, navErr)
			return errDenied
		}
		if o, err = origin.OfURL(raw); err != nil {
			fmt.Fprintf(out, "DENY  %s: %v\n", raw, err)
			return errDenied
		}
	}

	if !allow.IsAllowed(o) {
		fmt.Fprintf(out, "DENY  %s: not in allowlist (%s)\n", o, hash)
		return errDenied
	}
	fmt.Fprintf(out, "ALLOW %s (%s)\n", o, hash)
	return nil
}
