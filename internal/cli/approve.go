package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/walletbridge/internal/approval"
	"github.com/ppiankov/walletbridge/internal/origin"
)

func init() {
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(denyCmd)
	rootCmd.AddCommand(pendingCmd)
}

var approveCmd = &cobra.Command{
	Use:   "approve <key|origin>",
	Short: "Let a page connect to the wallet",
	Long:  "Approves a pending eth_requestAccounts. The argument is the approval key\nshown by 'walletbridge pending' or the origin itself.",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

var denyCmd = &cobra.Command{
	Use:   "deny <key|origin>",
	Short: "Refuse a page's connection request",
	Long:  "Denies a pending eth_requestAccounts. The page receives error 4001.",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeny,
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List connection requests waiting for approval",
	RunE:  runPending,
}

func openApprovals() (*approval.Store, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	dir := cfg.Backend.ApprovalDir
	if dir == "" {
		dir = approval.DefaultDir()
	}
	store, err := approval.NewStore(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open approval store: %w", err)
	}
	return store, nil
}

// approvalKey accepts either a key or an origin.
func approvalKey(arg string) string {
	if strings.Contains(arg, "://") {
		if o, err := origin.Parse(arg); err == nil {
			return approval.KeyFor(string(o))
		}
	}
	return arg
}

func runApprove(cmd *cobra.Command, args []string) error {
	store, err := openApprovals()
	if err != nil {
		return err
	}
	key := approvalKey(args[0])
	if err := store.Approve(key); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Approved %q\n", key)
	return nil
}

func runDeny(cmd *cobra.Command, args []string) error {
	store, err := openApprovals()
	if err != nil {
		return err
	}
	key := approvalKey(args[0])
	if err := store.Deny(key); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Denied %q\n", key)
	return nil
}

func runPending(cmd *cobra.Command, args []string) error {
	store, err := openApprovals()
	if err != nil {
		return err
	}
	list, err := store.List()
	if err != nil {
		return fmt.Errorf("failed to list approvals: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No pending approvals.")
		return nil
	}

	fmt.Fprintf(out, "%-20s %-10s %-40s %s\n", "KEY", "STATUS", "ORIGIN", "CREATED")
	for _, a := range list {
		fmt.Fprintf(out, "%-20s %-10s %-40s %s\n",
			a.Key,
			a.Status,
			truncate(a.Origin, 40),
			a.CreatedAt.Format("15:04:05"),
		)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
