// internal/service/template_service.go
package service

import (
	"strings"

	"github.com/unclebandit/sms-dispatch/internal/gateway"
	"github.com/unclebandit/sms-dispatch/internal/model"
)

// RenderTemplate substitutes {key} placeholders. Unknown placeholders are
// left in place.
func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

// MessageRenderer produces per-recipient message bodies.
type MessageRenderer struct{}

// Render returns the body sent to rec. Without personalization the
// template is sent as-is.
func (MessageRenderer) Render(template string, personalized bool, rec *model.Recipient) string {
	if !personalized || rec == nil {
		return template
	}
	return RenderTemplate(template, placeholderValues(rec))
}

func placeholderValues(rec *model.Recipient) map[string]string {
	first, last := splitName(rec.Name)
	return map[string]string{
		"name":       rec.Name,
		"first_name": first,
		"last_name":  last,
		"phone":      rec.Phone,
		"department": rec.Department,
	}
}

func splitName(name string) (first, last string) {
	name = strings.TrimSpace(name)
	// CSV imports default the name to the phone number.
	if name == "" || strings.HasPrefix(name, "+") {
		return "", ""
	}
	parts := strings.Fields(name)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[len(parts)-1]
}

// Segments reports the SMS part count used for cost estimation.
func (MessageRenderer) Segments(body string) gateway.SegmentInfo {
	return gateway.Segments(body)
}
