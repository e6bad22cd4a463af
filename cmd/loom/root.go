package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/internal/actions"
	"github.com/loomctl/loom/internal/engine"
	"github.com/loomctl/loom/internal/expr"
	"github.com/loomctl/loom/internal/logging"
	"github.com/loomctl/loom/internal/secrets"
	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/internal/streaming"
)

// vaultKeyEnv holds a hex-encoded 32-byte master key for the secrets vault.
const vaultKeyEnv = "LOOM_VAULT_KEY"

type rootOptions struct {
	dbPath  string
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "loom",
		Short:         "Compile and execute workflow documents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			handler := logging.NewCorrelationHandler(
				slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(slog.New(handler))
		},
	}

	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "loom.db", "path to the run database (empty for in-memory)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(
		newValidateCmd(opts),
		newRunCmd(opts),
		newResumeCmd(opts),
		newGraphCmd(),
		newSchemaCmd(),
		newSecretCmd(opts),
		newScheduleCmd(opts),
	)
	return cmd
}

// openStore opens the run database, migrating it on first use. An empty
// --db keeps everything in memory for one invocation.
func (o *rootOptions) openStore(cmd *cobra.Command) (store.Store, error) {
	if o.dbPath == "" {
		return store.NewMemoryStore(), nil
	}
	st, err := store.NewLibSQLStore(o.dbPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(cmd.Context()); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// openVault builds the secrets vault from LOOM_VAULT_KEY, or returns nil
// when no key is configured.
func (o *rootOptions) openVault(st store.Store) (secrets.Vault, error) {
	raw := os.Getenv(vaultKeyEnv)
	if raw == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: expected hex-encoded key: %w", vaultKeyEnv, err)
	}
	return secrets.NewAESVault(st, secrets.VaultConfig{MasterKey: key})
}

// buildEngine assembles the engine and its collaborators on the store.
func (o *rootOptions) buildEngine(st store.Store, hub streaming.EventHub) (*engine.Engine, *actions.Registry, error) {
	registry := actions.NewRegistry()
	if err := actions.RegisterBuiltins(registry, actions.BuiltinConfig{Findings: st}); err != nil {
		return nil, nil, err
	}
	vault, err := o.openVault(st)
	if err != nil {
		return nil, nil, err
	}
	eng, err := engine.New(engine.Config{
		Store:     st,
		Registry:  registry,
		Evaluator: expr.New(vault),
		Logger:    slog.Default(),
		Hub:       hub,
	})
	if err != nil {
		return nil, nil, err
	}
	return eng, registry, nil
}

// parsePairs turns repeated key=value flags into a map.
func parsePairs(pairs []string, flag string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("--%s %q: expected key=value", flag, p)
		}
		out[key] = value
	}
	return out, nil
}
