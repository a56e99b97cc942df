// Package email gives Kiki a mailbox: IMAP for reading the newest
// message from a correspondent and SMTP for sending markdown-bodied
// mail, optionally with one file attached.
package email

import (
	"io"
	"time"

	"github.com/emersion/go-imap/v2"
)

// IMAPConfig holds the connection settings for the inbox.
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// TLS selects implicit TLS. Port 143 conventionally means plaintext.
	TLS bool
	// Mailbox is the folder searched by read_email. Default: INBOX.
	Mailbox string
}

// SMTPConfig holds the outbound mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// StartTLS upgrades a plain connection (port 587). When false the
	// connection is TLS from the start (port 465).
	StartTLS bool
}

// drainLiteral reads and discards the contents of an IMAP literal reader
// so the stream stays in sync. Nil readers are ignored.
func drainLiteral(r imap.LiteralReader) {
	if r == nil {
		return
	}
	_, _ = io.Copy(io.Discard, r)
}

// Message is a fetched email with its body extracted from the MIME
// structure.
type Message struct {
	UID     uint32
	Date    time.Time
	From    string
	To      []string
	Cc      []string
	Subject string
	Size    uint32

	MessageID  string
	References []string

	// TextBody is preferred over HTMLBody when shown to the model.
	TextBody string
	HTMLBody string

	// Attachments lists attachment filenames; their bodies are skipped.
	Attachments []string
}

// Attachment is a file carried by an outgoing message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}
