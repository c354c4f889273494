package messaging

import (
	"fmt"
	"regexp"
	"strings"
)

// ReplyLocalPart is the mailbox whose plus-tagged addresses route replies back to a lead.
const ReplyLocalPart = "replies"

var replyTagRegex = regexp.MustCompile(`\+([^@\s<>"]+)@`)

// ReplyAddress builds the tracking Reply-To address for a lead, e.g. replies+<lead-id>@domain.
func ReplyAddress(leadID, domain string) string {
	if domain == "" || leadID == "" {
		return ""
	}
	return fmt.Sprintf("%s+%s@%s", ReplyLocalPart, leadID, domain)
}

// ParseReplyAddress extracts the lead id from a recipient header such as
// `"Clinic" <replies+<lead-id>@domain>`. Multiple comma-separated recipients
// are searched in order.
func ParseReplyAddress(to string) (string, bool) {
	for _, part := range strings.Split(to, ",") {
		if m := replyTagRegex.FindStringSubmatch(part); m != nil {
			return m[1], true
		}
	}
	return "", false
}
