package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for format.
func FormatPayload(format string, ev Event) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(ev)
	case "pagerduty":
		return formatPagerDuty(ev)
	default:
		return json.Marshal(ev)
	}
}

func formatSlack(ev Event) ([]byte, error) {
	fields := []any{
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Origin:* %s", ev.Origin)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Request:* %s", ev.RequestID)},
	}
	if ev.Method != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Method:* %s", ev.Method)})
	}
	if ev.Message != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Detail:* %d %s", ev.Code, ev.Message)})
	}
	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{"type": "plain_text", "text": "walletbridge: " + ev.Kind},
			},
			map[string]any{"type": "section", "fields": fields},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(ev Event) ([]byte, error) {
	severity := "warning"
	switch ev.Kind {
	case KindBinaryTamper:
		severity = "critical"
	case KindOriginNotAllowed:
		severity = "error"
	case KindRequestTimeout:
		severity = "info"
	}
	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":  fmt.Sprintf("walletbridge %s: %s", ev.Kind, ev.Origin),
			"severity": severity,
			"source":   "walletbridge",
			"custom_details": map[string]any{
				"request_id": ev.RequestID,
				"method":     ev.Method,
				"code":       ev.Code,
				"message":    ev.Message,
			},
		},
	}
	return json.Marshal(payload)
}
