package observability

const (
	AttrRoute          = "route"
	AttrCollection     = "collection"
	AttrToolName       = "tool.name"
	AttrLLMProvider    = "llm.provider"
	AttrLLMModel       = "llm.model"
	AttrLLMTokensIn    = "llm.tokens.input"
	AttrLLMTokensOut   = "llm.tokens.output"
	AttrErrorType      = "error.type"
	AttrVerdictStatus  = "verdict.status"
	AttrCacheName      = "cache"
	AttrTaskName       = "task"
	AttrDocumentID     = "document.id"
	AttrConversationID = "conversation.id"

	SpanRequest       = "engine.request"
	SpanRetrieval     = "engine.retrieval"
	SpanLLMRequest    = "engine.llm_request"
	SpanToolExecution = "engine.tool_execution"
	SpanVerification  = "engine.verification"
	SpanIngest        = "engine.ingest"

	DefaultServiceName = "lontar"
)
