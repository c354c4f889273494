// Package models defines tool structures for the clinic agent.
package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ToolName identifies a clinic capability the agent may invoke.
type ToolName string

const (
	// ToolLookupPlan answers pricing and service questions.
	ToolLookupPlan ToolName = "lookup_plan"
	// ToolLookupSlots lists open appointment slots for a day.
	ToolLookupSlots ToolName = "lookup_slots"
	// ToolBookAppointment books an appointment slot for the current lead.
	ToolBookAppointment ToolName = "book_appointment"
	// ToolEscalate flags the conversation for a human.
	ToolEscalate ToolName = "escalate"
	// ToolOptOut closes the lead when the patient asks not to be contacted.
	ToolOptOut ToolName = "opt_out"
)

// LeadIDParam is the argument key injected by the caller into every tool invocation.
const LeadIDParam = "lead_id"

var timeOfDayRegex = regexp.MustCompile(`(?i)^\s*([01]?[0-9]|2[0-3])(:[0-5][0-9])?\s*(am|pm|a\.m\.|p\.m\.)?\s*$`)

// LookupPlanParams defines the parameters for the lookup_plan tool.
type LookupPlanParams struct {
	Query    string `json:"query,omitempty"`
	PlanName string `json:"plan_name,omitempty"` // accepted from voice assistants
}

// Subject returns whichever of query or plan_name was supplied.
func (p *LookupPlanParams) Subject() string {
	if strings.TrimSpace(p.Query) != "" {
		return strings.TrimSpace(p.Query)
	}
	return strings.TrimSpace(p.PlanName)
}

func (p *LookupPlanParams) Validate() error {
	if p.Subject() == "" {
		return fmt.Errorf("query is required")
	}
	return nil
}

// LookupSlotsParams defines the parameters for the lookup_slots tool.
type LookupSlotsParams struct {
	Day    string `json:"day"` // natural language, e.g. "tuesday", "tomorrow", "2025-10-21"
	LeadID string `json:"lead_id,omitempty"`
}

func (p *LookupSlotsParams) Validate() error {
	if strings.TrimSpace(p.Day) == "" {
		return fmt.Errorf("day is required")
	}
	return nil
}

// BookAppointmentParams defines the parameters for the book_appointment tool.
type BookAppointmentParams struct {
	Date   string `json:"date"`
	Time   string `json:"time"`
	Reason string `json:"reason,omitempty"`
	LeadID string `json:"lead_id"`
}

func (p *BookAppointmentParams) Validate() error {
	if strings.TrimSpace(p.Date) == "" {
		return fmt.Errorf("date is required")
	}
	if strings.TrimSpace(p.Time) == "" {
		return fmt.Errorf("time is required")
	}
	if !timeOfDayRegex.MatchString(p.Time) {
		return fmt.Errorf("time must look like 14:00 or 2pm")
	}
	if p.LeadID == "" {
		return fmt.Errorf("lead_id is required")
	}
	return nil
}

// EscalateParams defines the parameters for the escalate tool.
type EscalateParams struct {
	Reason string `json:"reason"`
	LeadID string `json:"lead_id"`
}

func (p *EscalateParams) Validate() error {
	if p.LeadID == "" {
		return fmt.Errorf("lead_id is required")
	}
	return nil
}

// OptOutParams defines the parameters for the opt_out tool.
type OptOutParams struct {
	Reason string `json:"reason,omitempty"`
	LeadID string `json:"lead_id"`
}

func (p *OptOutParams) Validate() error {
	if p.LeadID == "" {
		return fmt.Errorf("lead_id is required")
	}
	return nil
}

// ToolCall represents a tool invocation received from a voice assistant webhook.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall represents the function details within a tool call.
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ArgumentsObject normalizes arguments that arrive either as a JSON object or
// as a JSON string containing an object.
func (fc *FunctionCall) ArgumentsObject() (json.RawMessage, error) {
	raw := json.RawMessage(strings.TrimSpace(string(fc.Arguments)))
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(`{}`), nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("failed to decode string arguments: %w", err)
		}
		if strings.TrimSpace(inner) == "" {
			return json.RawMessage(`{}`), nil
		}
		raw = json.RawMessage(inner)
	}
	if !json.Valid(raw) || raw[0] != '{' {
		return nil, fmt.Errorf("arguments for %s are not a JSON object", fc.Name)
	}
	return raw, nil
}

// ToolResult is the answer returned to a voice assistant for one tool call.
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	Result     string `json:"result"`
}
