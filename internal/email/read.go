package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// maxBodySize is the maximum body size kept on a Message. Larger bodies
// are truncated with a note.
const maxBodySize = 32 * 1024

// maxRawMessageSize bounds how much of the raw RFC822 literal is
// buffered. The remainder is drained to keep the IMAP stream in sync.
const maxRawMessageSize = 5 * 1024 * 1024

// ErrNoMessages is returned when no message matches the sender filter.
var ErrNoMessages = errors.New("no matching messages")

// LatestMessage returns the newest message in the configured mailbox.
// A non-empty sender restricts the search to messages whose From header
// contains it (a name or an address).
func (c *Client) LatestMessage(ctx context.Context, sender string) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	// Selecting again on every read picks up mail that arrived since the
	// last one.
	if _, err := sess.Select(c.cfg.Mailbox, nil).Wait(); err != nil {
		return nil, fmt.Errorf("select %s: %w", c.cfg.Mailbox, err)
	}

	criteria := &imap.SearchCriteria{}
	if sender = strings.TrimSpace(sender); sender != "" {
		criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{
			Key:   "From",
			Value: sender,
		})
	}

	data, err := sess.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", c.cfg.Mailbox, err)
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		if sender != "" {
			return nil, fmt.Errorf("from %q: %w", sender, ErrNoMessages)
		}
		return nil, ErrNoMessages
	}

	return c.fetchOne(sess, slices.Max(uids))
}

// fetchOne fetches and parses one message from the selected folder,
// marking it seen. Caller must hold c.mu.
func (c *Client) fetchOne(sess *imapclient.Client, uid imap.UID) (*Message, error) {
	uidSet := imap.UIDSet{}
	uidSet.AddNum(uid)

	fetchCmd := sess.Fetch(uidSet, &imap.FetchOptions{
		UID:        true,
		Envelope:   true,
		RFC822Size: true,
		BodySection: []*imap.FetchItemBodySection{
			{Peek: false}, // reading means read
		},
	})

	msg := fetchCmd.Next()
	if msg == nil {
		_ = fetchCmd.Close()
		return nil, fmt.Errorf("message UID %d not found", uid)
	}

	result := &Message{}
	var rawBody []byte

	for {
		item := msg.Next()
		if item == nil {
			break
		}

		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			result.UID = uint32(data.UID)
		case imapclient.FetchItemDataRFC822Size:
			result.Size = uint32(data.Size)
		case imapclient.FetchItemDataEnvelope:
			if data.Envelope == nil {
				continue
			}
			result.Date = data.Envelope.Date
			result.Subject = data.Envelope.Subject
			result.MessageID = data.Envelope.MessageID
			if len(data.Envelope.From) > 0 {
				result.From = formatAddress(data.Envelope.From[0])
			}
			for _, addr := range data.Envelope.To {
				result.To = append(result.To, formatAddress(addr))
			}
			for _, addr := range data.Envelope.Cc {
				result.Cc = append(result.Cc, formatAddress(addr))
			}
		case imapclient.FetchItemDataBodySection:
			// The literal must be consumed now; msg.Next() skips
			// unread literals.
			if data.Literal == nil {
				continue
			}
			var readErr error
			rawBody, readErr = io.ReadAll(io.LimitReader(data.Literal, maxRawMessageSize))
			drainLiteral(data.Literal)
			if readErr != nil {
				c.logger.Debug("error reading body literal", "uid", uid, "error", readErr)
				rawBody = nil
			}
		}
	}

	if rawBody != nil {
		if err := c.parseBody(result, bytes.NewReader(rawBody)); err != nil {
			c.logger.Debug("body parse error", "uid", uid, "error", err)
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch message UID %d: %w", uid, err)
	}
	return result, nil
}

// parseBody walks the MIME structure and extracts text content,
// attachment names and the References header.
//
// go-message may return both a usable reader and an error for unknown
// charsets; those errors are not fatal.
func (c *Client) parseBody(msg *Message, r io.Reader) error {
	mailReader, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return fmt.Errorf("create mail reader: %w", err)
	}
	if mailReader == nil {
		return fmt.Errorf("create mail reader returned nil: %w", err)
	}

	if refs, err := mailReader.Header.MsgIDList("References"); err == nil && len(refs) > 0 {
		msg.References = refs
	}

	for {
		part, err := mailReader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return fmt.Errorf("next part: %w", err)
		}
		if part == nil {
			continue
		}

		var contentType string
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ = h.ContentType()
		case *mail.AttachmentHeader:
			if name, err := h.Filename(); err == nil && name != "" {
				msg.Attachments = append(msg.Attachments, name)
			}
			continue
		default:
			continue
		}

		switch {
		case contentType == "text/plain" && msg.TextBody == "":
			msg.TextBody = c.readPart(part.Body, contentType)
		case contentType == "text/html" && msg.HTMLBody == "":
			msg.HTMLBody = c.readPart(part.Body, contentType)
		}
	}
	return nil
}

func (c *Client) readPart(r io.Reader, contentType string) string {
	body, err := io.ReadAll(io.LimitReader(r, maxBodySize+1))
	if err != nil {
		c.logger.Debug("error reading part", "content_type", contentType, "error", err)
		return ""
	}
	text := string(body)
	if len(body) > maxBodySize {
		text = text[:maxBodySize] + "\n\n[truncated: message exceeds 32KB]"
	}
	return strings.TrimSpace(text)
}

// formatAddress formats an IMAP address as "Name <user@host>" or just
// "user@host" when no name is set.
func formatAddress(addr imap.Address) string {
	email := addr.Addr()
	if addr.Name != "" {
		return fmt.Sprintf("%s <%s>", addr.Name, email)
	}
	return email
}
