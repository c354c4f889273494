package flow

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"log/slog"
	"strings"
	"text/template"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

//go:embed templates/*.html
var emailFS embed.FS

var (
	promptTemplates = template.Must(template.ParseFS(promptFS, "prompts/*.tmpl"))
	emailTemplates  = htmltemplate.Must(htmltemplate.ParseFS(emailFS, "templates/*.html"))
)

// DefaultAssistantName is the persona the agents speak as.
const DefaultAssistantName = "Nancy"

func renderPrompt(name string, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := promptTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		slog.Error("flow.renderPrompt: template failed", "template", name, "error", err)
		return "", fmt.Errorf("failed to render prompt %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// VoiceSystemPrompt returns the instructions for the outbound voice assistant.
func VoiceSystemPrompt(clinicName string) string {
	out, err := renderPrompt("voice_assistant.tmpl", map[string]string{
		"AssistantName": DefaultAssistantName,
		"ClinicName":    clinicName,
	})
	if err != nil {
		return ""
	}
	return out
}

// VoiceFirstMessage is the assistant's opening line on a nurture call.
func VoiceFirstMessage(clinicName, firstName string) string {
	if firstName == "" {
		return fmt.Sprintf("Hi, this is %s from %s. Do you have a moment to talk about your recent inquiry?", DefaultAssistantName, clinicName)
	}
	return fmt.Sprintf("Hi, this is %s from %s. Am I speaking with %s?", DefaultAssistantName, clinicName, firstName)
}
