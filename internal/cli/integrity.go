package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/walletbridge/internal/config"
	"github.com/ppiankov/walletbridge/internal/integrity"
)

var integrityWrite bool

func init() {
	rootCmd.AddCommand(integrityCmd)
	integrityCmd.AddCommand(integrityHashCmd)
	integrityCmd.AddCommand(integrityVerifyCmd)
	integrityHashCmd.Flags().BoolVar(&integrityWrite, "write", false, "Write the digest to ~/.walletbridge/binary.sha256")
}

var integrityCmd = &cobra.Command{
	Use:   "integrity",
	Short: "Binary checksum tools",
}

var integrityHashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Print the SHA-256 of this binary",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := integrity.HashSelf()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), h)
		if !integrityWrite {
			return nil
		}
		dir := config.Dir()
		if dir == "" {
			return fmt.Errorf("no home directory for checksum file")
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
		path := filepath.Join(dir, "binary.sha256")
		if err := os.WriteFile(path, []byte(h+"\n"), 0o600); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", path)
		return nil
	},
}

var integrityVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check this binary against its expected hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if err := verifyBinary(cmd.Context(), cfg); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "OK")
		return nil
	},
}

// verifyBinary runs before any command that serves traffic.
func verifyBinary(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return integrity.NewChecker(config.Dir(), cfg.Alerts).Verify(ctx)
}
