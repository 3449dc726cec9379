package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/HerbHall/miningops/internal/config"
	"github.com/HerbHall/miningops/internal/recon"
	"github.com/HerbHall/miningops/pkg/models"
	"github.com/HerbHall/miningops/pkg/plugin"
)

func runScan(args []string) {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	subnet := fs.String("subnet", "", "subnet to scan (default: plugins.recon.subnet)")
	format := fs.String("format", "json", "output format: json, yaml or csv")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	found, err := scan(ctx, *configPath, *subnet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan failed: %v\n", err)
		os.Exit(1)
	}
	if err := writeResults(os.Stdout, *format, found); err != nil {
		fmt.Fprintf(os.Stderr, "write results: %v\n", err)
		os.Exit(1)
	}
}

func scan(ctx context.Context, configPath, subnet string) ([]models.DiscoveryResult, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	defer func() { _ = logger.Sync() }()

	m := recon.New()
	err = m.Init(ctx, plugin.Dependencies{
		Config: cfg.Sub("plugins.recon"),
		Logger: logger.Named("recon"),
	})
	if err != nil {
		return nil, err
	}
	if err := m.ValidateConfig(); err != nil {
		return nil, err
	}
	if subnet == "" {
		subnet = m.Config().Subnet
	}
	return m.ScanSubnet(ctx, subnet, uuid.New().String())
}

// writeResults renders scan results in the requested format.
func writeResults(w io.Writer, format string, found []models.DiscoveryResult) error {
	if found == nil {
		found = []models.DiscoveryResult{}
	}
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(found)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(found); err != nil {
			return err
		}
		return enc.Close()
	case "csv":
		return recon.WriteCSV(w, found)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
