package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrLLMMethod   = attribute.Key("llm.method")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrToolCount = attribute.Key("llm.tool_count")
	AttrToolNames = attribute.Key("llm.tool_names")

	AttrExecID        = attribute.Key("sandbox.execution_id")
	AttrExecOutcome   = attribute.Key("sandbox.outcome")
	AttrExecFault     = attribute.Key("sandbox.fault")
	AttrExecArtifacts = attribute.Key("sandbox.artifacts")
	AttrDataset       = attribute.Key("sandbox.dataset")

	AttrQuestionStatus = attribute.Key("question.status")
	AttrDenyReason     = attribute.Key("capability.reason")
)
