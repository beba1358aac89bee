package tabula

import "encoding/json"

// Tool names used for structured output.
const (
	ToolGenerateCode = "generate_analysis_code"
	ToolExplain      = "explain_analysis_result"
	ToolFixCode      = "fix_analysis_code"
)

var generateCodeTool = ToolDefinition{
	Name:        ToolGenerateCode,
	Description: "Return Python code that answers the question using the preloaded DataFrame df.",
	Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "analysis_approach": {"type": "string", "description": "One or two sentences describing the method."},
    "code": {"type": "string", "description": "Complete Python code. Use df directly; print results; save figures with plt.savefig."},
    "imports": {"type": "array", "items": {"type": "string"}, "description": "Modules the code imports beyond the preloaded ones."},
    "expected_output": {"type": "string", "description": "What the printed output and figures will show."}
  },
  "required": ["analysis_approach", "code"]
}`),
}

var explainTool = ToolDefinition{
	Name:        ToolExplain,
	Description: "Explain the result of an executed analysis to the user.",
	Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "summary": {"type": "string", "description": "Direct answer to the question."},
    "key_findings": {"type": "array", "items": {"type": "string"}},
    "data_insights": {"type": "string"},
    "recommendations": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["summary"]
}`),
}

var fixCodeTool = ToolDefinition{
	Name:        ToolFixCode,
	Description: "Diagnose a failed analysis and return corrected code.",
	Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "error_analysis": {
      "type": "object",
      "properties": {
        "root_cause": {"type": "string"},
        "why_it_failed": {"type": "string"},
        "solution_approach": {"type": "string"}
      },
      "required": ["root_cause"]
    },
    "fixed_code": {"type": "string", "description": "Complete corrected Python code, or empty if no fix is possible."},
    "changes_made": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["error_analysis", "fixed_code"]
}`),
}

type generateCodeArgs struct {
	Approach       string   `json:"analysis_approach"`
	Code           string   `json:"code"`
	Imports        []string `json:"imports"`
	ExpectedOutput string   `json:"expected_output"`
}

type explainArgs struct {
	Summary         string   `json:"summary"`
	KeyFindings     []string `json:"key_findings"`
	DataInsights    string   `json:"data_insights"`
	Recommendations []string `json:"recommendations"`
}

type fixCodeArgs struct {
	ErrorAnalysis struct {
		RootCause        string `json:"root_cause"`
		WhyItFailed      string `json:"why_it_failed"`
		SolutionApproach string `json:"solution_approach"`
	} `json:"error_analysis"`
	FixedCode   string   `json:"fixed_code"`
	ChangesMade []string `json:"changes_made"`
}
