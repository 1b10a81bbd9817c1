package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/ingest"
	"github.com/lontar-ai/lontar/pkg/runtime"
)

type IngestCmd struct {
	Paths []string `arg:"" help:"Text files to ingest." type:"existingfile"`

	Collection string `help:"Target collection (defaults to ingest.default_collection)."`
	Type       string `help:"Document type (law, regulation, circular, guide, internal)."`
	Authority  string `help:"Issuing authority."`
	Language   string `help:"Document language code (id, en)."`
	Tier       string `help:"Access tier label (defaults by document type)."`
}

func (c *IngestCmd) Run(cli *CLI) error {
	ctx := context.Background()

	cfg, err := config.LoadFile(ctx, cli.Config)
	if err != nil {
		return err
	}
	cli.initLogging(cfg.Logging.Level, cfg.Logging.Format)

	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.EnsureCollections(ctx); err != nil {
		return err
	}

	for _, path := range c.Paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		result, err := rt.Pipeline().Ingest(ctx, ingest.IngestRequest{
			Title:      title,
			Type:       c.Type,
			Authority:  c.Authority,
			Language:   c.Language,
			Tier:       c.Tier,
			Collection: c.Collection,
			SourceURI:  path,
			Text:       string(data),
		})
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		if result.Skipped {
			fmt.Printf("%s: unchanged, skipped\n", result.DocumentID)
			continue
		}
		fmt.Printf("%s: %d parents, %d chunks (run %s)\n",
			result.DocumentID, result.ParentsCreated, result.ChunksCreated, result.IngestRunID)
	}
	return nil
}
