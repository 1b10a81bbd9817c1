// Package config holds the full service configuration tree.
//
// Configuration is loaded from a YAML file with ${ENV_VAR} expansion, then
// defaulted and validated. Missing required values fail startup with a
// diagnostic naming the offending key.
package config

import (
	"fmt"
)

// Config is the root of the configuration tree.
type Config struct {
	Logging       LoggingConfig       `yaml:"logging"`
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Embedder      EmbedderConfig      `yaml:"embedder"`
	VectorStore   VectorStoreConfig   `yaml:"vector_store"`
	Graph         GraphConfig         `yaml:"graph"`
	Rerank        RerankConfig        `yaml:"rerank"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	LLM           LLMConfig           `yaml:"llm"`
	Tools         ToolsConfig         `yaml:"tools"`
	Memory        MemoryConfig        `yaml:"memory"`
	Verifier      VerifierConfig      `yaml:"verifier"`
	Agent         AgentConfig         `yaml:"agent"`
	Sessions      SessionConfig       `yaml:"sessions"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Observability ObservabilityConfig `yaml:"observability"`
	Features      FeatureFlags        `yaml:"features"`
}

// SetDefaults fills every zero field with its documented default.
func (c *Config) SetDefaults() {
	c.Logging.SetDefaults()
	c.Server.SetDefaults()
	c.Database.SetDefaults()
	c.Redis.SetDefaults()
	c.Embedder.SetDefaults()
	c.VectorStore.SetDefaults()
	c.Graph.SetDefaults()
	c.Rerank.SetDefaults()
	c.Retrieval.SetDefaults()
	c.LLM.SetDefaults()
	c.Tools.SetDefaults()
	c.Memory.SetDefaults()
	c.Verifier.SetDefaults()
	c.Agent.SetDefaults()
	c.Sessions.SetDefaults()
	c.Ingest.SetDefaults()
	c.Scheduler.SetDefaults()
	c.Observability.SetDefaults()
	c.Features.SetDefaults()
}

// Validate checks the whole tree and returns the first problem found.
func (c *Config) Validate() error {
	validators := []struct {
		name string
		fn   func() error
	}{
		{"logging", c.Logging.Validate},
		{"server", c.Server.Validate},
		{"database", c.Database.Validate},
		{"redis", c.Redis.Validate},
		{"embedder", c.Embedder.Validate},
		{"vector_store", c.VectorStore.Validate},
		{"graph", c.Graph.Validate},
		{"rerank", c.Rerank.Validate},
		{"retrieval", c.Retrieval.Validate},
		{"llm", c.LLM.Validate},
		{"tools", c.Tools.Validate},
		{"memory", c.Memory.Validate},
		{"verifier", c.Verifier.Validate},
		{"agent", c.Agent.Validate},
		{"sessions", c.Sessions.Validate},
		{"ingest", c.Ingest.Validate},
		{"scheduler", c.Scheduler.Validate},
		{"observability", c.Observability.Validate},
	}
	for _, v := range validators {
		if err := v.fn(); err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
	}

	// Cross-section checks.
	if c.Embedder.Dimension != 0 {
		for name, col := range c.VectorStore.Collections {
			if col.Dimension != c.Embedder.Dimension {
				return fmt.Errorf("collection %q dimension (%d) does not match embedder dimension (%d)",
					name, col.Dimension, c.Embedder.Dimension)
			}
		}
	}
	if _, ok := c.VectorStore.Collections[c.Ingest.DefaultCollection]; !ok {
		return fmt.Errorf("ingest.default_collection references unknown collection %q", c.Ingest.DefaultCollection)
	}
	return nil
}

// Default returns a fully defaulted config suitable for tests and for
// `lontar validate` against a minimal file.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}
