package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultVapiBaseURL is the Vapi REST endpoint root.
const DefaultVapiBaseURL = "https://api.vapi.ai"

// VoiceTool describes a function the voice assistant may call during the call.
type VoiceTool struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// VapiOpts configures the Vapi voice sender.
type VapiOpts struct {
	APIKey        string
	PhoneNumberID string
	AssistantID   string
	WebhookURL    string
	BaseURL       string
	HTTPClient    *http.Client
}

// VapiOption defines a configuration option for the Vapi sender.
type VapiOption func(*VapiOpts)

func WithVapiKey(key string) VapiOption {
	return func(o *VapiOpts) { o.APIKey = key }
}

func WithVapiPhoneNumberID(id string) VapiOption {
	return func(o *VapiOpts) { o.PhoneNumberID = id }
}

func WithVapiAssistantID(id string) VapiOption {
	return func(o *VapiOpts) { o.AssistantID = id }
}

// WithVapiWebhookURL sets the server url that receives the assistant's tool calls.
func WithVapiWebhookURL(url string) VapiOption {
	return func(o *VapiOpts) { o.WebhookURL = url }
}

func WithVapiBaseURL(url string) VapiOption {
	return func(o *VapiOpts) { o.BaseURL = url }
}

func WithVapiHTTPClient(c *http.Client) VapiOption {
	return func(o *VapiOpts) { o.HTTPClient = c }
}

// VapiSender places outbound AI voice calls. The message body becomes the
// assistant's opening line and SystemPrompt its instructions.
type VapiSender struct {
	cfg          VapiOpts
	SystemPrompt string
	Tools        []VoiceTool
}

var _ Sender = (*VapiSender)(nil)

// NewVapiSender validates the configuration and returns a sender.
func NewVapiSender(opts ...VapiOption) (*VapiSender, error) {
	cfg := VapiOpts{BaseURL: DefaultVapiBaseURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" || cfg.PhoneNumberID == "" || cfg.AssistantID == "" {
		return nil, fmt.Errorf("vapi api key, phone number id and assistant id must be provided")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &VapiSender{cfg: cfg}, nil
}

type vapiServer struct {
	URL string `json:"url"`
}

type vapiFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type vapiTool struct {
	Type     string       `json:"type"`
	Function vapiFunction `json:"function"`
	Server   *vapiServer  `json:"server,omitempty"`
}

type vapiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type vapiModel struct {
	Provider string        `json:"provider"`
	Model    string        `json:"model,omitempty"`
	Messages []vapiMessage `json:"messages,omitempty"`
	Tools    []vapiTool    `json:"tools,omitempty"`
}

type vapiOverrides struct {
	FirstMessage string     `json:"firstMessage,omitempty"`
	Model        *vapiModel `json:"model,omitempty"`
}

type vapiCustomer struct {
	Number string `json:"number"`
	Name   string `json:"name,omitempty"`
}

type vapiCallRequest struct {
	PhoneNumberID      string            `json:"phoneNumberId"`
	AssistantID        string            `json:"assistantId"`
	Customer           vapiCustomer      `json:"customer"`
	AssistantOverrides *vapiOverrides    `json:"assistantOverrides,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

type vapiCallResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (v *VapiSender) buildRequest(msg Message, number string) vapiCallRequest {
	req := vapiCallRequest{
		PhoneNumberID: v.cfg.PhoneNumberID,
		AssistantID:   v.cfg.AssistantID,
		Customer:      vapiCustomer{Number: number, Name: msg.Name},
		Metadata:      map[string]string{"lead_id": msg.LeadID},
	}
	overrides := &vapiOverrides{FirstMessage: msg.Body}
	if v.SystemPrompt != "" || len(v.Tools) > 0 {
		model := &vapiModel{Provider: "openai", Model: "gpt-4o"}
		if v.SystemPrompt != "" {
			model.Messages = []vapiMessage{{Role: "system", Content: v.SystemPrompt}}
		}
		for _, t := range v.Tools {
			tool := vapiTool{Type: "function", Function: vapiFunction{
				Name: t.Name, Description: t.Description, Parameters: t.Parameters,
			}}
			if v.cfg.WebhookURL != "" {
				tool.Server = &vapiServer{URL: v.cfg.WebhookURL}
			}
			model.Tools = append(model.Tools, tool)
		}
		overrides.Model = model
	}
	req.AssistantOverrides = overrides
	return req
}

// Send starts an outbound call and returns the Vapi call id.
func (v *VapiSender) Send(ctx context.Context, msg Message) (string, error) {
	number, err := CanonicalizePhone(msg.To)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMissingAddress, err)
	}
	if !strings.HasPrefix(number, "+") {
		number = "+" + number
	}
	payload, err := json.Marshal(v.buildRequest(msg, number))
	if err != nil {
		return "", fmt.Errorf("failed to encode call request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.BaseURL+"/call", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+v.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := v.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		slog.Error("VapiSender.Send: request failed", "leadID", msg.LeadID, "error", err)
		return "", fmt.Errorf("vapi call request failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Error("VapiSender.Send: unexpected status", "leadID", msg.LeadID, "status", resp.StatusCode)
		return "", fmt.Errorf("vapi returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out vapiCallResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to decode vapi response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("vapi response missing call id")
	}
	slog.Info("VapiSender.Send: call started", "leadID", msg.LeadID, "callID", out.ID, "status", out.Status)
	return out.ID, nil
}
