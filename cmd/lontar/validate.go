package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/lontar-ai/lontar/pkg/config"
)

type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.LoadFile(context.Background(), cli.Config)
	if err != nil {
		return err
	}

	fmt.Printf("Configuration valid: %s\n", cli.Config)
	fmt.Printf("  server:       %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  database:     %s\n", cfg.Database.Driver)
	fmt.Printf("  vector store: %s\n", cfg.VectorStore.Provider)
	fmt.Printf("  embedder:     %s (%s)\n", cfg.Embedder.Type, cfg.Embedder.Model)
	fmt.Printf("  llm chain:    %v\n", cfg.LLM.Chain)

	names := make([]string, 0, len(cfg.VectorStore.Collections))
	for name := range cfg.VectorStore.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Printf("  collections:  %v\n", names)
	return nil
}
