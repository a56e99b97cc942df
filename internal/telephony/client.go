package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/clawdbot/kiki/internal/httpkit"
)

// DefaultAPIBaseURL is Twilio's REST endpoint.
const DefaultAPIBaseURL = "https://api.twilio.com"

// APIError is returned when Twilio rejects a REST request.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("twilio: status %d", e.StatusCode)
	}
	return fmt.Sprintf("twilio: %s (code %d, status %d)", e.Message, e.Code, e.StatusCode)
}

// ClientConfig configures outbound calling.
type ClientConfig struct {
	AccountSID string
	AuthToken  string
	// From is the Twilio number calls are placed from.
	From  string
	Voice string
	// PublicURL, when set, makes outbound calls conversational: the
	// callee's answer is routed to this server's voice webhook. Without
	// it the call only speaks the message.
	PublicURL  string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client places outbound calls through the Twilio REST API.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Twilio REST client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultAPIBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(2, 2*time.Second),
			httpkit.WithLogger(logger),
		)
	}
	return &Client{cfg: cfg, httpClient: hc, logger: logger.With("component", "twilio")}
}

type callResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// Call dials to and speaks message once the callee answers. It returns
// the call SID.
func (c *Client) Call(ctx context.Context, to, message string) (string, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.From)

	if c.cfg.PublicURL != "" {
		base := strings.TrimRight(c.cfg.PublicURL, "/") + RoutePrefix
		q := url.Values{}
		q.Set("message", message)
		form.Set("Url", base+"/voice?"+q.Encode())
		form.Set("StatusCallback", base+"/status")
	} else {
		twiml, err := (&Response{}).Add(
			Say{Voice: c.cfg.Voice, Text: Speakable(message)},
			Hangup{},
		).Marshal()
		if err != nil {
			return "", err
		}
		form.Set("Twiml", string(twiml))
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", c.cfg.BaseURL, url.PathEscape(c.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create call request: %w", err)
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create call: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		if json.Unmarshal([]byte(body), apiErr) != nil {
			apiErr.Message = body
		}
		return "", apiErr
	}

	var cr callResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decode call response: %w", err)
	}
	c.logger.Info("outbound call created", "to", to, "call_sid", cr.SID, "status", cr.Status)
	return cr.SID, nil
}
