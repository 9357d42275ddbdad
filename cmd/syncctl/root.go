package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hal-o-swarm/sessionsync/internal/config"
	"github.com/hal-o-swarm/sessionsync/internal/pricing"
	"github.com/hal-o-swarm/sessionsync/internal/storage"
	"github.com/hal-o-swarm/sessionsync/internal/tokens"
)

type rootOptions struct {
	configPath  string
	dbPath      string
	pricingPath string
	format      string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "syncctl",
		Short:         "Inspect sessionsync local state",
		Long:          "Inspect the pricing fingerprint and the usage and breakdown caches kept by syncd.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./sessionsync.config.json", "engine config file")
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "sqlite database (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.pricingPath, "pricing", "", "pricing file (overrides config)")
	cmd.PersistentFlags().StringVarP(&opts.format, "format", "o", "table", "output format: table or json")

	cmd.AddCommand(
		newFingerprintCmd(opts),
		newSessionsCmd(opts),
		newUsageCmd(opts),
		newBreakdownCmd(opts),
		newPruneCmd(opts),
	)
	return cmd
}

func (o *rootOptions) validate() error {
	if o.format != "table" && o.format != "json" {
		return fmt.Errorf("unknown format %q", o.format)
	}
	return nil
}

func (o *rootOptions) loadConfig() (*config.EngineConfig, error) {
	return config.LoadEngineConfig(o.configPath)
}

func (o *rootOptions) resolvePricingPath() (string, error) {
	if o.pricingPath != "" {
		return o.pricingPath, nil
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.Pricing.Path == "" {
		return "", fmt.Errorf("no pricing file configured")
	}
	return cfg.Pricing.Path, nil
}

// loadPricing returns the pricing config and its fingerprint.
func (o *rootOptions) loadPricing() (pricing.Config, string, error) {
	path, err := o.resolvePricingPath()
	if err != nil {
		return pricing.Config{}, "", err
	}
	cfg, err := pricing.LoadFile(path)
	if err != nil {
		return pricing.Config{}, "", err
	}
	fp, err := pricing.Fingerprint(cfg)
	if err != nil {
		return pricing.Config{}, "", err
	}
	return cfg, fp, nil
}

func (o *rootOptions) openDB(ctx context.Context) (*storage.SQLiteStore, error) {
	path := o.dbPath
	if path == "" {
		cfg, err := o.loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.Database.Path
	}
	return storage.OpenSQLite(ctx, path, zap.NewNop())
}

type breakdownReader interface {
	LoadBreakdown(ctx context.Context, sessionID string) (*tokens.Breakdown, error)
	Close() error
}

// openBreakdowns opens whichever backend syncd writes breakdowns to.
func (o *rootOptions) openBreakdowns(ctx context.Context) (breakdownReader, error) {
	if o.dbPath == "" {
		cfg, err := o.loadConfig()
		if err != nil {
			return nil, err
		}
		if cfg.Tokenization.Backend == config.BackendBolt {
			return storage.OpenBolt(cfg.Tokenization.BoltPath, 2*time.Second, zap.NewNop())
		}
	}
	return o.openDB(ctx)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
