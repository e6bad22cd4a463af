package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/internal/secrets"
	"github.com/loomctl/loom/internal/store"
)

func newSecretCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage vault secrets referenced as ${{ secrets.KEY }}",
	}
	cmd.AddCommand(
		newSecretSetCmd(opts),
		newSecretRmCmd(opts),
		newSecretLsCmd(opts),
	)
	return cmd
}

func (o *rootOptions) requireVault(cmd *cobra.Command) (secrets.Vault, store.Store, error) {
	st, err := o.openStore(cmd)
	if err != nil {
		return nil, nil, err
	}
	vault, err := o.openVault(st)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	if vault == nil {
		st.Close()
		return nil, nil, fmt.Errorf("no vault key: set %s to a hex-encoded 32-byte key", vaultKeyEnv)
	}
	return vault, st, nil
}

func newSecretSetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store an encrypted secret",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, st, err := opts.requireVault(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := vault.Store(cmd.Context(), args[0], []byte(args[1])); err != nil {
				return err
			}
			cmd.Printf("stored %s\n", args[0])
			return nil
		},
	}
}

func newSecretRmCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <key>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, st, err := opts.requireVault(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := vault.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}

func newSecretLsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List secret keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, st, err := opts.requireVault(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			keys, err := vault.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, k := range keys {
				cmd.Println(k)
			}
			return nil
		},
	}
}
