package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"codesubst/rpc"
	"codesubst/subst"
)

type rootOptions struct {
	RPC    string
	Token  string
	Format string
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	defaultRPC := os.Getenv("SUBST_RPC")
	if defaultRPC == "" {
		defaultRPC = "http://127.0.0.1:8080"
	}

	cmd := &cobra.Command{
		Use:           "substctl",
		Short:         "Inspect and manage code substitutions on a running substd",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format == "" {
				opts.Format = defaultFormat(cmd.OutOrStdout())
			}
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.RPC, "rpc", defaultRPC, "substd API base URL")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv("SUBST_TOKEN"), "bearer token for admin calls")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "", "output format (json|text); text on a terminal, json otherwise")

	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newUpsertCommand(opts))
	cmd.AddCommand(newAccountCommand(opts, "activate", "Swap the substitute in for an account, or all tracked accounts", (*rpc.Client).Activate))
	cmd.AddCommand(newAccountCommand(opts, "deactivate", "Restore the original code for an account, or all tracked accounts", (*rpc.Client).Deactivate))
	cmd.AddCommand(newAccountCommand(opts, "remove", "Forget the substitution for an account, or all tracked accounts", (*rpc.Client).Remove))
	cmd.AddCommand(newFetchManifestCommand(opts))
	return cmd
}

func defaultFormat(w io.Writer) string {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "text"
	}
	return "json"
}

func (o *rootOptions) client() *rpc.Client {
	return rpc.NewClient(o.RPC, nil).WithToken(o.Token)
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [account]",
		Short: "Show substitution status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client()
			if len(args) == 1 {
				st, err := client.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.Format, []*subst.AccountStatus{st})
			}
			rows, err := client.StatusAll(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.Format, rows)
		},
	}
}

func newUpsertCommand(opts *rootOptions) *cobra.Command {
	var (
		fromBlock uint64
		inactive  bool
	)
	cmd := &cobra.Command{
		Use:   "upsert <account|account-fromblock> <code-file>",
		Short: "Register substitute code for an account",
		Long: `Register substitute code for an account.

Example:
  substctl upsert eosio.token-1200 ./token.wasm`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, specBlock, err := subst.ParseSpec(args[0])
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("from-block") {
				fromBlock = specBlock
			}
			code, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read code: %w", err)
			}
			active := !inactive
			st, err := opts.client().Upsert(cmd.Context(), rpc.UpsertRequest{
				Account:      account,
				FromBlock:    fromBlock,
				Code:         code,
				MustActivate: &active,
			})
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.Format, []*subst.AccountStatus{st})
		},
	}
	cmd.Flags().Uint64Var(&fromBlock, "from-block", 0, "first block the substitution applies to")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "register without enabling the substitution")
	return cmd
}

type accountCall func(*rpc.Client, context.Context, string) ([]*subst.AccountStatus, error)

func newAccountCommand(opts *rootOptions, name, short string, call accountCall) *cobra.Command {
	return &cobra.Command{
		Use:   name + " [account]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account := ""
			if len(args) == 1 {
				account = args[0]
			}
			rows, err := call(opts.client(), cmd.Context(), account)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.Format, rows)
		},
	}
}

func newFetchManifestCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch-manifest",
		Short: "Refresh substitutions from the configured manifests now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := opts.client().FetchManifest(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.Format, rows)
		},
	}
}

func render(w io.Writer, format string, rows []*subst.AccountStatus) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, "no substitutions")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tFROM\tACTIVE\tAPPLIED\tSUBSTITUTE\tORIGINAL")
	for _, st := range rows {
		original := "-"
		if st.OriginalHash != (common.Hash{}) {
			original = shortHash(st.OriginalHash)
		}
		fmt.Fprintf(tw, "%s\t%d\t%t\t%t\t%s\t%s\n",
			st.Account, st.FromBlock, st.MustActivate, st.Applied, shortHash(st.SubstitutionHash), original)
	}
	return tw.Flush()
}

func shortHash(h common.Hash) string {
	s := h.Hex()
	return strings.TrimPrefix(s, "0x")[:12]
}
