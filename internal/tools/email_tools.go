package tools

import (
	"context"

	"github.com/clawdbot/kiki/internal/email"
)

var emailSendProperties = map[string]any{
	"recipient": map[string]any{
		"type":        "string",
		"description": "Recipient address; separate several with commas",
	},
	"subject": map[string]any{
		"type":        "string",
		"description": "Subject line",
	},
	"body": map[string]any{
		"type":        "string",
		"description": "Message body in markdown",
	},
}

// RegisterEmail adds the email effectors the configuration supports:
// read_email when a mailbox is available and the two send effectors when
// a mailer is.
func (r *Registry) RegisterEmail(et *email.Tools) {
	if et.CanRead() {
		r.Register(&Tool{
			Name:        "read_email",
			Description: "Read the newest email, optionally only from a given sender. Returns headers, body and attachment names.",
			Properties: map[string]any{
				"sender": map[string]any{
					"type":        "string",
					"description": "Sender address or name to filter by; empty for the newest message overall",
				},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return et.HandleRead(ctx, args)
			},
		})
	}

	if !et.CanSend() {
		return
	}

	r.Register(&Tool{
		Name:        "send_email",
		Description: "Send an email. The body may use markdown; it is sent as plain text and HTML.",
		Properties:  emailSendProperties,
		Required:    []string{"recipient", "subject", "body"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return et.HandleSend(ctx, args)
		},
	})

	withAttachment := make(map[string]any, len(emailSendProperties)+1)
	for k, v := range emailSendProperties {
		withAttachment[k] = v
	}
	withAttachment["attachment_path"] = map[string]any{
		"type":        "string",
		"description": "Absolute path of a local file to attach (download it first with run_shell)",
	}
	r.Register(&Tool{
		Name:        "send_email_with_attachment",
		Description: "Send an email with one local file attached.",
		Properties:  withAttachment,
		Required:    []string{"recipient", "subject", "body", "attachment_path"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return et.HandleSendWithAttachment(ctx, args)
		},
	})
}
