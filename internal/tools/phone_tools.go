package tools

import (
	"context"
	"fmt"
	"strings"
)

// Caller places an outbound call that speaks message to the callee.
type Caller interface {
	Call(ctx context.Context, to, message string) (callID string, err error)
}

// RegisterPhone adds make_phone_call.
func (r *Registry) RegisterPhone(c Caller) {
	r.Register(&Tool{
		Name:        "make_phone_call",
		Description: "Call a phone number and speak a message to whoever answers.",
		Properties: map[string]any{
			"phone_number": map[string]any{
				"type":        "string",
				"description": "Number to call in E.164 format, e.g. +15551234567",
			},
			"message": map[string]any{
				"type":        "string",
				"description": "What to say when the call is answered",
			},
		},
		Required: []string{"phone_number", "message"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			number, _ := args["phone_number"].(string)
			message, _ := args["message"].(string)
			number = normalizePhone(number)
			if number == "" {
				return "", fmt.Errorf("phone_number is required")
			}
			if strings.TrimSpace(message) == "" {
				return "", fmt.Errorf("message is required")
			}

			id, err := c.Call(ctx, number, message)
			if err != nil {
				return "", fmt.Errorf("call %s: %w", number, err)
			}
			return fmt.Sprintf("Calling %s (call %s).", number, id), nil
		},
	})
}

// normalizePhone strips formatting characters, keeping a leading plus.
func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 || b.String() == "+" {
		return ""
	}
	return b.String()
}
