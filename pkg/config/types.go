package config

import (
	"fmt"
	"time"
)

// LoggingConfig controls the process-wide logger.
type LoggingConfig struct {
	// Level is one of: debug, info, warn, error
	Level string `yaml:"level"`
	// Format is one of: text, json, auto (auto picks text on a TTY)
	Format string `yaml:"format"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "auto"
	}
}

func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug|info|warn|error, got %q", c.Level)
	}
	switch c.Format {
	case "text", "json", "auto":
	default:
		return fmt.Errorf("logging.format must be one of text|json|auto, got %q", c.Format)
	}
	return nil
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 120 * time.Second
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 15 * time.Second
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Port)
	}
	return nil
}

// DatabaseConfig configures the relational store shared by the document,
// graph, memory, and conversation layers.
//
// Example:
//
//	database:
//	  driver: "postgres"
//	  dsn: "${DATABASE_URL}"
//	  max_open_conns: 16
type DatabaseConfig struct {
	// Driver is one of: postgres, sqlite3, mysql
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (c *DatabaseConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "postgres"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 16
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 4
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
}

func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case "postgres", "sqlite3", "mysql":
	default:
		return fmt.Errorf("database.driver must be one of postgres|sqlite3|mysql, got %q", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("database.dsn is required (set DATABASE_URL or database.dsn)")
	}
	return nil
}

// RedisConfig configures the ephemeral session store.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	PoolSize  int    `yaml:"pool_size"`
}

func (c *RedisConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "lontar"
	}
	if c.PoolSize == 0 {
		c.PoolSize = 8
	}
}

func (c *RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	return nil
}

// EmbedderConfig configures the embedding client.
//
// Example:
//
//	embedder:
//	  type: "openai"
//	  model: "text-embedding-3-small"
//	  api_key: "${OPENAI_API_KEY}"
//	  cache_size: 4096
type EmbedderConfig struct {
	// Type is one of: openai, ollama
	Type      string `yaml:"type"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	Host      string `yaml:"host"`
	Dimension int    `yaml:"dimension"`
	BatchSize int    `yaml:"batch_size"`
	// MaxInputTokens bounds a single input; longer texts are rejected
	// unless TruncateOverflow is set.
	MaxInputTokens   int           `yaml:"max_input_tokens"`
	TruncateOverflow bool          `yaml:"truncate_overflow"`
	CacheSize        int           `yaml:"cache_size"`
	Timeout          time.Duration `yaml:"timeout"`
}

func (c *EmbedderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "openai"
	}
	if c.Model == "" {
		switch c.Type {
		case "ollama":
			c.Model = "nomic-embed-text"
		default:
			c.Model = "text-embedding-3-small"
		}
	}
	if c.Host == "" {
		switch c.Type {
		case "ollama":
			c.Host = "http://localhost:11434"
		default:
			c.Host = "https://api.openai.com/v1"
		}
	}
	if c.BatchSize == 0 {
		c.BatchSize = 64
	}
	if c.MaxInputTokens == 0 {
		c.MaxInputTokens = 8191
	}
	if c.CacheSize == 0 {
		c.CacheSize = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

func (c *EmbedderConfig) Validate() error {
	switch c.Type {
	case "openai", "ollama":
	default:
		return fmt.Errorf("embedder.type must be one of openai|ollama, got %q", c.Type)
	}
	if c.Type == "openai" && c.APIKey == "" {
		return fmt.Errorf("embedder.api_key is required for type openai (set OPENAI_API_KEY)")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("embedder.batch_size must be positive, got %d", c.BatchSize)
	}
	return nil
}

// CollectionConfig declares one vector collection and the routing keywords
// that steer queries toward it.
type CollectionConfig struct {
	Dimension int      `yaml:"dimension"`
	Metric    string   `yaml:"metric"`
	Keywords  []string `yaml:"keywords"`
}

func (c *CollectionConfig) SetDefaults() {
	if c.Dimension == 0 {
		c.Dimension = 1536
	}
	if c.Metric == "" {
		c.Metric = "cosine"
	}
}

func (c *CollectionConfig) Validate(name string) error {
	if c.Dimension < 1 {
		return fmt.Errorf("collection %q: dimension must be positive", name)
	}
	switch c.Metric {
	case "cosine", "dot", "euclidean":
	default:
		return fmt.Errorf("collection %q: metric must be one of cosine|dot|euclidean, got %q", name, c.Metric)
	}
	return nil
}

// VectorStoreConfig configures the ANN index adapter.
//
// Example:
//
//	vector_store:
//	  provider: "qdrant"
//	  host: "localhost"
//	  port: 6334
//	  collections:
//	    visa_oracle:
//	      keywords: ["visa", "kitas", "kitap", "imigrasi"]
//	    tax_genius:
//	      keywords: ["tax", "pajak", "npwp", "pph"]
type VectorStoreConfig struct {
	// Provider is one of: qdrant, pinecone, chromem
	Provider string `yaml:"provider"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	APIKey   string `yaml:"api_key"`
	UseTLS   bool   `yaml:"use_tls"`
	// IndexName is the pinecone index; collections map to namespaces.
	IndexName string `yaml:"index_name"`
	// IndexHost is the pinecone data-plane host; looked up from IndexName
	// when empty. Ignored by other providers.
	IndexHost string `yaml:"index_host"`
	// Path is the chromem persistence directory; empty means in-memory.
	Path        string                       `yaml:"path"`
	BatchSize   int                          `yaml:"batch_size"`
	Timeout     time.Duration                `yaml:"timeout"`
	Collections map[string]*CollectionConfig `yaml:"collections"`
	// DefaultCollections are searched when routing finds no keyword match.
	DefaultCollections []string `yaml:"default_collections"`
}

func (c *VectorStoreConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "qdrant"
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 && c.Provider == "qdrant" {
		c.Port = 6334
	}
	if c.BatchSize == 0 {
		c.BatchSize = 128
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if len(c.Collections) == 0 {
		c.Collections = map[string]*CollectionConfig{
			"visa_oracle":   {Keywords: []string{"visa", "kitas", "kitap", "imigrasi", "immigration", "passport", "sponsor"}},
			"tax_genius":    {Keywords: []string{"tax", "pajak", "npwp", "pph", "ppn", "coretax"}},
			"kbli_unified":  {Keywords: []string{"kbli", "oss", "nib", "business classification", "risk level"}},
			"legal_unified": {},
		}
	}
	for _, col := range c.Collections {
		col.SetDefaults()
	}
	if len(c.DefaultCollections) == 0 {
		if _, ok := c.Collections["legal_unified"]; ok {
			c.DefaultCollections = []string{"legal_unified"}
		}
	}
}

func (c *VectorStoreConfig) Validate() error {
	switch c.Provider {
	case "qdrant", "pinecone", "chromem":
	default:
		return fmt.Errorf("vector_store.provider must be one of qdrant|pinecone|chromem, got %q", c.Provider)
	}
	if c.Provider == "pinecone" {
		if c.APIKey == "" {
			return fmt.Errorf("vector_store.api_key is required for pinecone")
		}
		if c.IndexName == "" && c.IndexHost == "" {
			return fmt.Errorf("vector_store.index_name or index_host is required for pinecone")
		}
	}
	if len(c.Collections) == 0 {
		return fmt.Errorf("vector_store.collections must declare at least one collection")
	}
	for name, col := range c.Collections {
		if err := col.Validate(name); err != nil {
			return err
		}
	}
	for _, name := range c.DefaultCollections {
		if _, ok := c.Collections[name]; !ok {
			return fmt.Errorf("vector_store.default_collections references unknown collection %q", name)
		}
	}
	return nil
}

// GraphConfig configures the knowledge-graph store.
type GraphConfig struct {
	// Backend is one of: sql, neo4j
	Backend  string `yaml:"backend"`
	MaxDepth int    `yaml:"max_depth"`
	// MaxNodes bounds a traversal result.
	MaxNodes int          `yaml:"max_nodes"`
	Neo4j    *Neo4jConfig `yaml:"neo4j"`
}

type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

func (c *GraphConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "sql"
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = 2
	}
	if c.MaxNodes == 0 {
		c.MaxNodes = 50
	}
}

func (c *GraphConfig) Validate() error {
	switch c.Backend {
	case "sql", "neo4j":
	default:
		return fmt.Errorf("graph.backend must be one of sql|neo4j, got %q", c.Backend)
	}
	if c.MaxDepth < 1 || c.MaxDepth > 3 {
		return fmt.Errorf("graph.max_depth must be in 1..3, got %d", c.MaxDepth)
	}
	if c.Backend == "neo4j" {
		if c.Neo4j == nil || c.Neo4j.URI == "" {
			return fmt.Errorf("graph.neo4j.uri is required for backend neo4j")
		}
	}
	return nil
}

// RerankConfig configures second-stage scoring.
type RerankConfig struct {
	// Provider is one of: http, llm, none
	Provider string `yaml:"provider"`
	URL      string `yaml:"url"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	// TopN is how many candidates are sent to the scorer.
	TopN int `yaml:"top_n"`
	// ExitThreshold skips re-ranking when the mean score of the current
	// top results already exceeds it.
	ExitThreshold float64       `yaml:"exit_threshold"`
	CacheSize     int           `yaml:"cache_size"`
	Timeout       time.Duration `yaml:"timeout"`
}

func (c *RerankConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "none"
	}
	if c.Model == "" && c.Provider == "http" {
		c.Model = "rerank-multilingual-v3.0"
	}
	if c.TopN == 0 {
		c.TopN = 20
	}
	if c.ExitThreshold == 0 {
		c.ExitThreshold = 0.75
	}
	if c.CacheSize == 0 {
		c.CacheSize = 512
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
}

func (c *RerankConfig) Validate() error {
	switch c.Provider {
	case "http", "llm", "none":
	default:
		return fmt.Errorf("rerank.provider must be one of http|llm|none, got %q", c.Provider)
	}
	if c.Provider == "http" && c.URL == "" {
		return fmt.Errorf("rerank.url is required for provider http")
	}
	if c.ExitThreshold < 0 || c.ExitThreshold > 1 {
		return fmt.Errorf("rerank.exit_threshold must be in [0,1], got %f", c.ExitThreshold)
	}
	return nil
}

// RetrievalConfig tunes the hybrid retriever.
type RetrievalConfig struct {
	// TopK is how many candidates each collection contributes before fusion.
	TopK int `yaml:"top_k"`
	// DefaultLimit caps results when the caller does not pass a limit.
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
	// RRFK is the reciprocal-rank-fusion constant.
	RRFK int `yaml:"rrf_k"`
	// ScoreThreshold drops hits below this similarity.
	ScoreThreshold float64 `yaml:"score_threshold"`
	// ParentDepth is how many ancestor levels are attached to a result.
	ParentDepth int `yaml:"parent_depth"`
	// RouteSimilarity is the golden-route match threshold.
	RouteSimilarity float64       `yaml:"route_similarity"`
	SearchCacheSize int           `yaml:"search_cache_size"`
	Timeout         time.Duration `yaml:"timeout"`
}

func (c *RetrievalConfig) SetDefaults() {
	if c.TopK == 0 {
		c.TopK = 20
	}
	if c.DefaultLimit == 0 {
		c.DefaultLimit = 5
	}
	if c.MaxLimit == 0 {
		c.MaxLimit = 50
	}
	if c.RRFK == 0 {
		c.RRFK = 60
	}
	if c.ParentDepth == 0 {
		c.ParentDepth = 1
	}
	if c.RouteSimilarity == 0 {
		c.RouteSimilarity = 0.92
	}
	if c.SearchCacheSize == 0 {
		c.SearchCacheSize = 256
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

func (c *RetrievalConfig) Validate() error {
	if c.TopK < 1 {
		return fmt.Errorf("retrieval.top_k must be positive, got %d", c.TopK)
	}
	if c.DefaultLimit > c.MaxLimit {
		return fmt.Errorf("retrieval.default_limit (%d) exceeds max_limit (%d)", c.DefaultLimit, c.MaxLimit)
	}
	if c.ScoreThreshold < 0 || c.ScoreThreshold > 1 {
		return fmt.Errorf("retrieval.score_threshold must be in [0,1], got %f", c.ScoreThreshold)
	}
	if c.RouteSimilarity < 0 || c.RouteSimilarity > 1 {
		return fmt.Errorf("retrieval.route_similarity must be in [0,1], got %f", c.RouteSimilarity)
	}
	return nil
}

// ProviderConfig declares one LLM provider endpoint.
type ProviderConfig struct {
	// Type is one of: openai, anthropic, gemini, ollama
	Type        string        `yaml:"type"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	Host        string        `yaml:"host"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature *float64      `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

func (c *ProviderConfig) SetDefaults() {
	if c.Host == "" {
		switch c.Type {
		case "openai":
			c.Host = "https://api.openai.com/v1"
		case "anthropic":
			c.Host = "https://api.anthropic.com"
		case "ollama":
			c.Host = "http://localhost:11434"
		}
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
}

func (c *ProviderConfig) Validate(name string) error {
	switch c.Type {
	case "openai", "anthropic", "gemini", "ollama":
	default:
		return fmt.Errorf("llm provider %q: type must be one of openai|anthropic|gemini|ollama, got %q", name, c.Type)
	}
	if c.Model == "" {
		return fmt.Errorf("llm provider %q: model is required", name)
	}
	switch c.Type {
	case "openai", "anthropic", "gemini":
		if c.APIKey == "" {
			return fmt.Errorf("llm provider %q: api_key is required for type %s", name, c.Type)
		}
	}
	return nil
}

// LLMConfig declares the provider pool and the ordered fallback chain.
//
// Example:
//
//	llm:
//	  providers:
//	    primary:
//	      type: "anthropic"
//	      model: "claude-haiku-4-5"
//	      api_key: "${ANTHROPIC_API_KEY}"
//	    local:
//	      type: "ollama"
//	      model: "llama3.1:8b"
//	  chain: ["primary", "local"]
type LLMConfig struct {
	Providers map[string]*ProviderConfig `yaml:"providers"`
	// Chain is the ordered fallback list; the gateway advances on
	// retryable failures only.
	Chain []string `yaml:"chain"`
	// Utility names the provider used for internal calls (verification,
	// fact extraction, LLM re-ranking). Defaults to the last chain entry.
	Utility string `yaml:"utility"`
	// Vision names the provider used by the vision tool; empty disables it.
	Vision string `yaml:"vision"`
}

func (c *LLMConfig) SetDefaults() {
	for _, p := range c.Providers {
		p.SetDefaults()
	}
	if c.Utility == "" && len(c.Chain) > 0 {
		c.Utility = c.Chain[len(c.Chain)-1]
	}
}

func (c *LLMConfig) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("llm.providers must declare at least one provider")
	}
	if len(c.Chain) == 0 {
		return fmt.Errorf("llm.chain must list at least one provider name")
	}
	for name, p := range c.Providers {
		if err := p.Validate(name); err != nil {
			return err
		}
	}
	for _, name := range c.Chain {
		if _, ok := c.Providers[name]; !ok {
			return fmt.Errorf("llm.chain references unknown provider %q", name)
		}
	}
	if c.Utility != "" {
		if _, ok := c.Providers[c.Utility]; !ok {
			return fmt.Errorf("llm.utility references unknown provider %q", c.Utility)
		}
	}
	if c.Vision != "" {
		if _, ok := c.Providers[c.Vision]; !ok {
			return fmt.Errorf("llm.vision references unknown provider %q", c.Vision)
		}
	}
	return nil
}

// ToolsConfig configures the tool layer.
type ToolsConfig struct {
	// Enabled lists tool names to register; empty enables all built-ins.
	Enabled []string `yaml:"enabled"`
	// PricingCatalog is a path to the curated price list (JSON or YAML).
	PricingCatalog string        `yaml:"pricing_catalog"`
	Timeout        time.Duration `yaml:"timeout"`
}

func (c *ToolsConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

func (c *ToolsConfig) Validate() error {
	return nil
}

// MemoryConfig tunes the per-turn user context assembly.
type MemoryConfig struct {
	// SummaryMaxTokens bounds the rolling conversation summary.
	SummaryMaxTokens int `yaml:"summary_max_tokens"`
	// RecentFacts is how many memory facts are injected per turn.
	RecentFacts int `yaml:"recent_facts"`
	// RecentTurns is how many prior turns are injected per turn.
	RecentTurns int `yaml:"recent_turns"`
	// MinConfidence drops extracted facts below this confidence.
	MinConfidence float64 `yaml:"min_confidence"`
	// ContextMaxTokens bounds the whole injection block.
	ContextMaxTokens int `yaml:"context_max_tokens"`
}

func (c *MemoryConfig) SetDefaults() {
	if c.SummaryMaxTokens == 0 {
		c.SummaryMaxTokens = 512
	}
	if c.RecentFacts == 0 {
		c.RecentFacts = 10
	}
	if c.RecentTurns == 0 {
		c.RecentTurns = 6
	}
	if c.MinConfidence == 0 {
		c.MinConfidence = 0.5
	}
	if c.ContextMaxTokens == 0 {
		c.ContextMaxTokens = 2048
	}
}

func (c *MemoryConfig) Validate() error {
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("memory.min_confidence must be in [0,1], got %f", c.MinConfidence)
	}
	return nil
}

// VerifierConfig tunes answer grading.
type VerifierConfig struct {
	// FailBelow marks verdicts under this score as fail.
	FailBelow float64 `yaml:"fail_below"`
	// WarnBelow marks verdicts under this score as warn.
	WarnBelow float64       `yaml:"warn_below"`
	Timeout   time.Duration `yaml:"timeout"`
}

func (c *VerifierConfig) SetDefaults() {
	if c.FailBelow == 0 {
		c.FailBelow = 0.4
	}
	if c.WarnBelow == 0 {
		c.WarnBelow = 0.7
	}
	if c.Timeout == 0 {
		c.Timeout = 20 * time.Second
	}
}

func (c *VerifierConfig) Validate() error {
	if c.FailBelow > c.WarnBelow {
		return fmt.Errorf("verifier.fail_below (%f) must not exceed warn_below (%f)", c.FailBelow, c.WarnBelow)
	}
	return nil
}

// AgentConfig bounds the reasoning loop.
type AgentConfig struct {
	// StepBudget is the maximum number of tool-use steps per turn.
	StepBudget int `yaml:"step_budget"`
	// MaxHistory is how many turns of history are sent to the model.
	MaxHistory int `yaml:"max_history"`
	// SystemPrompt overrides the built-in system role text.
	SystemPrompt string        `yaml:"system_prompt"`
	TurnTimeout  time.Duration `yaml:"turn_timeout"`
	ToolTimeout  time.Duration `yaml:"tool_timeout"`
	LLMTimeout   time.Duration `yaml:"llm_timeout"`
}

func (c *AgentConfig) SetDefaults() {
	if c.StepBudget == 0 {
		c.StepBudget = 6
	}
	if c.MaxHistory == 0 {
		c.MaxHistory = 10
	}
	if c.TurnTimeout == 0 {
		c.TurnTimeout = 90 * time.Second
	}
	if c.ToolTimeout == 0 {
		c.ToolTimeout = 30 * time.Second
	}
	if c.LLMTimeout == 0 {
		c.LLMTimeout = 60 * time.Second
	}
}

func (c *AgentConfig) Validate() error {
	if c.StepBudget < 1 {
		return fmt.Errorf("agent.step_budget must be positive, got %d", c.StepBudget)
	}
	return nil
}

// SessionConfig configures conversation serialization and ephemeral state.
type SessionConfig struct {
	// TTL bounds ephemeral session records.
	TTL time.Duration `yaml:"ttl"`
	// LockTimeout bounds the wait for the per-conversation lock.
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

func (c *SessionConfig) SetDefaults() {
	if c.TTL == 0 {
		c.TTL = 30 * time.Minute
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = 120 * time.Second
	}
}

func (c *SessionConfig) Validate() error {
	return nil
}

// IngestConfig tunes document segmentation.
type IngestConfig struct {
	DefaultCollection string `yaml:"default_collection"`
	// ChildChunkSize is the target child length in characters.
	ChildChunkSize    int `yaml:"child_chunk_size"`
	ChildChunkOverlap int `yaml:"child_chunk_overlap"`
	MaxDocumentBytes  int `yaml:"max_document_bytes"`
}

func (c *IngestConfig) SetDefaults() {
	if c.DefaultCollection == "" {
		c.DefaultCollection = "legal_unified"
	}
	if c.ChildChunkSize == 0 {
		c.ChildChunkSize = 1200
	}
	if c.ChildChunkOverlap == 0 {
		c.ChildChunkOverlap = 150
	}
	if c.MaxDocumentBytes == 0 {
		c.MaxDocumentBytes = 10 * 1024 * 1024
	}
}

func (c *IngestConfig) Validate() error {
	if c.ChildChunkOverlap >= c.ChildChunkSize {
		return fmt.Errorf("ingest.child_chunk_overlap (%d) must be smaller than child_chunk_size (%d)",
			c.ChildChunkOverlap, c.ChildChunkSize)
	}
	return nil
}

// TaskConfig declares one scheduled background task.
type TaskConfig struct {
	// Schedule is a cron expression ("0 3 * * *") or @every form.
	Schedule string `yaml:"schedule"`
	Enabled  bool   `yaml:"enabled"`
}

// SchedulerConfig configures background agents.
type SchedulerConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Tasks   map[string]*TaskConfig `yaml:"tasks"`
	// BackpressureLatency pauses tasks while request p95 latency exceeds it.
	BackpressureLatency time.Duration `yaml:"backpressure_latency"`
	StopGrace           time.Duration `yaml:"stop_grace"`
}

func (c *SchedulerConfig) SetDefaults() {
	if c.Tasks == nil {
		c.Tasks = map[string]*TaskConfig{
			"graph_sync":     {Schedule: "0 3 * * *", Enabled: false},
			"route_refresh":  {Schedule: "@every 6h", Enabled: false},
			"memory_compact": {Schedule: "0 4 * * 0", Enabled: false},
		}
	}
	if c.BackpressureLatency == 0 {
		c.BackpressureLatency = 2 * time.Second
	}
	if c.StopGrace == 0 {
		c.StopGrace = 10 * time.Second
	}
}

func (c *SchedulerConfig) Validate() error {
	for name, t := range c.Tasks {
		if t.Enabled && t.Schedule == "" {
			return fmt.Errorf("scheduler.tasks.%s: schedule is required when enabled", name)
		}
	}
	return nil
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
	TracingExport  string `yaml:"tracing_export"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	ServiceName    string `yaml:"service_name"`
}

func (c *ObservabilityConfig) SetDefaults() {
	if c.TracingExport == "" {
		c.TracingExport = "stdout"
	}
	if c.ServiceName == "" {
		c.ServiceName = "lontar"
	}
}

func (c *ObservabilityConfig) Validate() error {
	switch c.TracingExport {
	case "stdout", "otlp":
	default:
		return fmt.Errorf("observability.tracing_export must be one of stdout|otlp, got %q", c.TracingExport)
	}
	if c.TracingEnabled && c.TracingExport == "otlp" && c.OTLPEndpoint == "" {
		return fmt.Errorf("observability.otlp_endpoint is required for otlp export")
	}
	return nil
}

// FeatureFlags gates optional behavior. Flags map to the environment as
// LONTAR_FEATURE_<NAME> overrides.
type FeatureFlags struct {
	Verifier         *bool `yaml:"verifier"`
	GraphExpansion   *bool `yaml:"graph_expansion"`
	GoldenRoutes     *bool `yaml:"golden_routes"`
	IdentityShortcut *bool `yaml:"identity_shortcut"`
	DomainFilter     *bool `yaml:"domain_filter"`
	MemoryExtraction *bool `yaml:"memory_extraction"`
}

func (c *FeatureFlags) SetDefaults() {
	on := true
	off := false
	if c.Verifier == nil {
		c.Verifier = &off
	}
	if c.GraphExpansion == nil {
		c.GraphExpansion = &off
	}
	if c.GoldenRoutes == nil {
		c.GoldenRoutes = &off
	}
	if c.IdentityShortcut == nil {
		c.IdentityShortcut = &on
	}
	if c.DomainFilter == nil {
		c.DomainFilter = &on
	}
	if c.MemoryExtraction == nil {
		c.MemoryExtraction = &off
	}
}

// VerifierOn reports whether answer verification is enabled.
func (c *FeatureFlags) VerifierOn() bool { return c.Verifier != nil && *c.Verifier }

// GraphExpansionOn reports whether retrieval attaches graph context.
func (c *FeatureFlags) GraphExpansionOn() bool { return c.GraphExpansion != nil && *c.GraphExpansion }

// GoldenRoutesOn reports whether the route cache fast path is enabled.
func (c *FeatureFlags) GoldenRoutesOn() bool { return c.GoldenRoutes != nil && *c.GoldenRoutes }

// IdentityShortcutOn reports whether identity questions bypass tools.
func (c *FeatureFlags) IdentityShortcutOn() bool {
	return c.IdentityShortcut != nil && *c.IdentityShortcut
}

// DomainFilterOn reports whether the out-of-domain prefilter runs.
func (c *FeatureFlags) DomainFilterOn() bool { return c.DomainFilter != nil && *c.DomainFilter }

// MemoryExtractionOn reports whether post-turn fact extraction runs.
func (c *FeatureFlags) MemoryExtractionOn() bool {
	return c.MemoryExtraction != nil && *c.MemoryExtraction
}
