package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
)

var (
	// ErrUnknownTool is returned when a decision names a tool that is not registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidToolArguments is returned when arguments fail schema validation.
	ErrInvalidToolArguments = errors.New("invalid tool arguments")
)

// ToolSpec describes a tool to the model: its name, purpose, and a JSON
// schema of its parameters.
type ToolSpec struct {
	Name        models.ToolName
	Description string
	Parameters  map[string]interface{}
}

// Tool is a named side-effecting capability the agent may invoke.
// Execute returns text shown directly to the lead or fed back to the model.
type Tool interface {
	Spec() ToolSpec
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// ToolRegistry is the closed set of tools available to an agent.
type ToolRegistry struct {
	tools map[models.ToolName]Tool
}

func NewToolRegistry(tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[models.ToolName]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds a tool, replacing one with the same name.
func (r *ToolRegistry) Register(t Tool) {
	r.tools[t.Spec().Name] = t
}

// Names returns the registered tool names in sorted order.
func (r *ToolRegistry) Names() []models.ToolName {
	names := make([]models.ToolName, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Dispatch validates args against the tool's schema and runs it. The
// caller-supplied leadID always replaces any lead_id the model sent; with an
// empty leadID the model's value is dropped.
func (r *ToolRegistry) Dispatch(ctx context.Context, name models.ToolName, args json.RawMessage, leadID string) (string, error) {
	tool, ok := r.tools[name]
	if !ok {
		slog.Warn("ToolRegistry.Dispatch: unknown tool", "tool", name, "leadID", leadID)
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	fc := models.FunctionCall{Name: string(name), Arguments: args}
	normalized, err := fc.ArgumentsObject()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToolArguments, err)
	}
	params := map[string]interface{}{}
	if err := json.Unmarshal(normalized, &params); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToolArguments, err)
	}
	delete(params, models.LeadIDParam)
	if leadID != "" {
		params[models.LeadIDParam] = leadID
	}

	spec := tool.Spec()
	if missing := missingRequired(spec.Parameters, params); len(missing) > 0 {
		slog.Warn("ToolRegistry.Dispatch: missing required parameters", "tool", name, "missing", missing)
		return "", fmt.Errorf("%w: %s requires %s", ErrInvalidToolArguments, name, strings.Join(missing, ", "))
	}

	final, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode tool arguments: %w", err)
	}
	slog.Info("ToolRegistry.Dispatch: executing tool", "tool", name, "leadID", leadID)
	slog.Debug("ToolRegistry.Dispatch: tool arguments", "tool", name, "args", toolArgsForLog(final))
	result, err := tool.Execute(ctx, final)
	if err != nil {
		slog.Error("ToolRegistry.Dispatch: tool failed", "tool", name, "leadID", leadID, "args", toolArgsForLog(final), "error", err)
		return "", err
	}
	return result, nil
}

func missingRequired(schema map[string]interface{}, params map[string]interface{}) []string {
	var missing []string
	for _, key := range requiredKeys(schema) {
		v, ok := params[key]
		if !ok || v == nil {
			missing = append(missing, key)
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

func requiredKeys(schema map[string]interface{}) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []interface{}:
		keys := make([]string, 0, len(req))
		for _, k := range req {
			if s, ok := k.(string); ok {
				keys = append(keys, s)
			}
		}
		return keys
	}
	return nil
}

// modelFacingSchema strips lead_id from a schema; the model never supplies it.
func modelFacingSchema(schema map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		out[k] = v
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		trimmed := make(map[string]interface{}, len(props))
		for k, v := range props {
			if k != models.LeadIDParam {
				trimmed[k] = v
			}
		}
		out["properties"] = trimmed
	}
	var req []string
	for _, k := range requiredKeys(schema) {
		if k != models.LeadIDParam {
			req = append(req, k)
		}
	}
	if req != nil {
		out["required"] = req
	} else {
		delete(out, "required")
	}
	return out
}

// Describe renders the tool catalog for the agent's system prompt.
func (r *ToolRegistry) Describe() string {
	var b strings.Builder
	for _, name := range r.Names() {
		spec := r.tools[name].Spec()
		schema, _ := json.Marshal(modelFacingSchema(spec.Parameters))
		fmt.Fprintf(&b, "- %s: %s\n  parameters: %s\n", spec.Name, spec.Description, schema)
	}
	return b.String()
}

// VoiceTools returns the catalog in the form the voice assistant is configured with.
func (r *ToolRegistry) VoiceTools() []messaging.VoiceTool {
	var out []messaging.VoiceTool
	for _, name := range r.Names() {
		spec := r.tools[name].Spec()
		out = append(out, messaging.VoiceTool{
			Name:        string(spec.Name),
			Description: spec.Description,
			Parameters:  modelFacingSchema(spec.Parameters),
		})
	}
	return out
}
