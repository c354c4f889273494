package flow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Action is the closed set of moves the reply agent can make in one step.
type Action string

const (
	ActionUseTool         Action = "use_tool"
	ActionReplyToUser     Action = "reply_to_user"
	ActionEscalateToHuman Action = "escalate_to_human"
)

// Decision is one parsed step of the reply agent.
// ToolName and Parameters are set for use_tool, Reply for reply_to_user.
type Decision struct {
	Action     Action          `json:"action"`
	Rationale  string          `json:"rationale"`
	ToolName   models.ToolName `json:"tool_name,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Reply      string          `json:"reply,omitempty"`
}

// ParseError reports a model response that is not a usable Decision.
type ParseError struct {
	Raw    string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid decision: %s: %v", e.Reason, e.Err)
	}
	return "invalid decision: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// FallbackRationale is recorded when the model never produced a valid decision.
const FallbackRationale = "The assistant's response could not be understood, so the conversation was handed to staff."

// EscalationFallback returns the decision used in place of an unparseable response.
func EscalationFallback(rationale string) Decision {
	if rationale == "" {
		rationale = FallbackRationale
	}
	return Decision{Action: ActionEscalateToHuman, Rationale: rationale}
}

// ParseDecision decodes a model response into a Decision. Markdown code
// fences and text around the JSON object are tolerated.
func ParseDecision(raw string) (Decision, error) {
	body := extractJSONObject(raw)
	if body == "" {
		return Decision{}, &ParseError{Raw: raw, Reason: "no JSON object found"}
	}

	var d Decision
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return Decision{}, &ParseError{Raw: raw, Reason: "malformed JSON", Err: err}
	}
	d.Action = Action(strings.ToLower(strings.TrimSpace(string(d.Action))))
	d.Rationale = strings.TrimSpace(d.Rationale)
	d.Reply = strings.TrimSpace(d.Reply)
	d.ToolName = models.ToolName(strings.TrimSpace(string(d.ToolName)))

	switch d.Action {
	case ActionUseTool:
		if d.ToolName == "" {
			return Decision{}, &ParseError{Raw: raw, Reason: "use_tool without tool_name"}
		}
		fc := models.FunctionCall{Name: string(d.ToolName), Arguments: d.Parameters}
		params, err := fc.ArgumentsObject()
		if err != nil {
			return Decision{}, &ParseError{Raw: raw, Reason: "parameters are not an object", Err: err}
		}
		d.Parameters = params
	case ActionReplyToUser:
		if d.Reply == "" {
			return Decision{}, &ParseError{Raw: raw, Reason: "reply_to_user without reply"}
		}
	case ActionEscalateToHuman:
	default:
		return Decision{}, &ParseError{Raw: raw, Reason: fmt.Sprintf("unknown action %q", d.Action)}
	}
	return d, nil
}

// extractJSONObject returns the outermost {...} span of s, or "".
func extractJSONObject(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
