package flow

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"
)

const toolArgsLogLimit = 512

// toolArgsForLog renders tool arguments on one line for logs. Patient-facing
// free text such as a booking reason can be long, so the output is capped.
func toolArgsForLog(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	out := string(raw)
	if err := json.Compact(&buf, raw); err == nil {
		out = buf.String()
	}
	if len(out) <= toolArgsLogLimit {
		return out
	}
	cut := toolArgsLogLimit
	for cut > 0 && !utf8.RuneStart(out[cut]) {
		cut--
	}
	return out[:cut] + "...(truncated)"
}
