package email

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// maxAttachmentSize caps files attached by send_email_with_attachment.
const maxAttachmentSize = 20 << 20

// Mailbox reads incoming mail.
type Mailbox interface {
	LatestMessage(ctx context.Context, sender string) (*Message, error)
}

// Mailer delivers outgoing mail.
type Mailer interface {
	Send(ctx context.Context, out Outgoing) error
}

// Tools holds the email effector handlers. Each handler takes the raw
// argument map from the tool registry and returns text for the model.
// Either side may be nil when that half of email is unconfigured.
type Tools struct {
	mailbox Mailbox
	mailer  Mailer
}

// NewTools creates email tools.
func NewTools(mailbox Mailbox, mailer Mailer) *Tools {
	return &Tools{mailbox: mailbox, mailer: mailer}
}

// CanRead reports whether read_email is usable.
func (t *Tools) CanRead() bool { return t != nil && t.mailbox != nil }

// CanSend reports whether the send effectors are usable.
func (t *Tools) CanSend() bool { return t != nil && t.mailer != nil }

// HandleRead returns the newest message from "sender", or the newest
// message overall when sender is empty.
func (t *Tools) HandleRead(ctx context.Context, args map[string]any) (string, error) {
	if !t.CanRead() {
		return "", fmt.Errorf("email reading is not configured")
	}
	sender := stringArg(args, "sender")

	msg, err := t.mailbox.LatestMessage(ctx, sender)
	if errors.Is(err, ErrNoMessages) {
		if sender == "" {
			return "The mailbox is empty.", nil
		}
		return fmt.Sprintf("No emails found from %s.", sender), nil
	}
	if err != nil {
		return "", err
	}
	return formatMessage(msg), nil
}

// HandleSend sends a markdown email to "recipient".
func (t *Tools) HandleSend(ctx context.Context, args map[string]any) (string, error) {
	out, err := t.outgoing(args)
	if err != nil {
		return "", err
	}
	if err := t.mailer.Send(ctx, out); err != nil {
		return "", err
	}
	return fmt.Sprintf("Email sent to %s.", strings.Join(out.To, ", ")), nil
}

// HandleSendWithAttachment sends an email with the file at
// "attachment_path" attached.
func (t *Tools) HandleSendWithAttachment(ctx context.Context, args map[string]any) (string, error) {
	out, err := t.outgoing(args)
	if err != nil {
		return "", err
	}
	path := stringArg(args, "attachment_path")
	if path == "" {
		return "", fmt.Errorf("attachment_path is required")
	}
	att, err := loadAttachment(path)
	if err != nil {
		return "", err
	}
	out.Attachments = []Attachment{att}

	if err := t.mailer.Send(ctx, out); err != nil {
		return "", err
	}
	return fmt.Sprintf("Email sent to %s with attachment %s (%d bytes).",
		strings.Join(out.To, ", "), att.Filename, len(att.Data)), nil
}

func (t *Tools) outgoing(args map[string]any) (Outgoing, error) {
	if !t.CanSend() {
		return Outgoing{}, fmt.Errorf("email sending is not configured")
	}
	var to []string
	for _, r := range strings.Split(stringArg(args, "recipient"), ",") {
		if r = strings.TrimSpace(r); r != "" {
			to = append(to, r)
		}
	}
	if len(to) == 0 {
		return Outgoing{}, fmt.Errorf("recipient is required")
	}
	subject := stringArg(args, "subject")
	if subject == "" {
		return Outgoing{}, fmt.Errorf("subject is required")
	}
	return Outgoing{To: to, Subject: subject, Body: stringArg(args, "body")}, nil
}

func loadAttachment(path string) (Attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Attachment{}, fmt.Errorf("attachment: %w", err)
	}
	if info.IsDir() {
		return Attachment{}, fmt.Errorf("attachment %s is a directory", path)
	}
	if info.Size() > maxAttachmentSize {
		return Attachment{}, fmt.Errorf("attachment %s is %d bytes; limit is %d", path, info.Size(), maxAttachmentSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Attachment{}, fmt.Errorf("read attachment: %w", err)
	}
	return Attachment{
		Filename:    filepath.Base(path),
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
		Data:        data,
	}, nil
}

func formatMessage(msg *Message) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "From: %s\n", msg.From)
	fmt.Fprintf(&sb, "To: %s\n", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&sb, "Cc: %s\n", strings.Join(msg.Cc, ", "))
	}
	fmt.Fprintf(&sb, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(&sb, "Date: %s\n", msg.Date.Format("2006-01-02 15:04 MST"))
	if len(msg.Attachments) > 0 {
		fmt.Fprintf(&sb, "Attachments: %s\n", strings.Join(msg.Attachments, ", "))
	}
	sb.WriteString("\n---\n\n")

	switch {
	case msg.TextBody != "":
		sb.WriteString(msg.TextBody)
	case msg.HTMLBody != "":
		sb.WriteString("[HTML content, no plain text version available]\n\n")
		sb.WriteString(msg.HTMLBody)
	default:
		sb.WriteString("[No text content available]")
	}
	return sb.String()
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
