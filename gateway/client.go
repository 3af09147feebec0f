// Package gateway is a typed client of the WhatsApp messaging gateway
// (Evolution API). Every failure is reported as an *Error with a closed Kind.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/3rs4lg4d0/stampbox/logger"
)

const (
	defaultTimeout        time.Duration = time.Second * 15
	defaultRetryBaseDelay time.Duration = time.Second * 2
	maxErrorBody          int64         = 4096
)

// Settings holds the gateway client configuration.
type Settings struct {
	BaseURL        string        // gateway root URL
	APIKey         string        // global key sent in the apikey header
	Timeout        time.Duration // deadline of a single request
	RetryBaseDelay time.Duration // first delay of SendTextWithRetry, doubled on each retry
}

// validateSettings sets defaults where needed.
func validateSettings(s *Settings) {
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	if s.Timeout <= 0 {
		s.Timeout = defaultTimeout
	}
	if s.RetryBaseDelay <= 0 {
		s.RetryBaseDelay = defaultRetryBaseDelay
	}
}

// SendResult is the provider acknowledgement of an outgoing message.
type SendResult struct {
	MessageID string // provider message id, matched later by delivery webhooks
	Status    string
}

// Instance describes a gateway instance.
type Instance struct {
	Name   string
	Status string
	QRCode string // base64 pairing image, only right after creation
}

// WebhookConfig registers the callback URL of an instance.
type WebhookConfig struct {
	URL    string
	APIKey string   // sent back by the gateway in the apikey header
	Events []string // provider event names
}

// Client calls the gateway over HTTP.
type Client struct {
	settings Settings
	http     *http.Client
	logger   logger.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// opt allows optional configuration.
type opt func(c *Client)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(c *Client) {
		c.logger = logger.OrNop(l)
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) opt {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

func New(s Settings, options ...opt) *Client {
	if s.BaseURL == "" {
		panic("gateway base URL is mandatory")
	}
	validateSettings(&s)

	c := &Client{
		settings: s,
		http:     &http.Client{},
		logger:   &logger.NopLogger{},
		sleep:    sleepCtx,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type sendMediaRequest struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	Media     string `json:"media"`
	Caption   string `json:"caption,omitempty"`
}

type sendResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
	Status string `json:"status"`
}

// SendText sends a text message. The phone is normalized first and an
// invalid number fails without calling the gateway.
func (c *Client) SendText(ctx context.Context, instance, phone, text string) (*SendResult, error) {
	number, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	var resp sendResponse
	if err := c.do(ctx, http.MethodPost, "/message/sendText/"+url.PathEscape(instance), sendTextRequest{Number: number, Text: text}, &resp); err != nil {
		return nil, err
	}
	return &SendResult{MessageID: resp.Key.ID, Status: resp.Status}, nil
}

// SendMedia sends an image with an optional caption.
func (c *Client) SendMedia(ctx context.Context, instance, phone, mediaURL, caption string) (*SendResult, error) {
	number, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	req := sendMediaRequest{Number: number, MediaType: "image", Media: mediaURL, Caption: caption}
	var resp sendResponse
	if err := c.do(ctx, http.MethodPost, "/message/sendMedia/"+url.PathEscape(instance), req, &resp); err != nil {
		return nil, err
	}
	return &SendResult{MessageID: resp.Key.ID, Status: resp.Status}, nil
}

// SendTextWithRetry retries SendText on transient failures, waiting
// RetryBaseDelay×2^(n-1) after the n-th failed attempt. Permanent failures
// are returned at once.
func (c *Client) SendTextWithRetry(ctx context.Context, instance, phone, text string, maxAttempts int) (*SendResult, error) {
	return c.withRetry(ctx, instance, maxAttempts, func() (*SendResult, error) {
		return c.SendText(ctx, instance, phone, text)
	})
}

// SendMediaWithRetry is SendMedia under the SendTextWithRetry policy.
func (c *Client) SendMediaWithRetry(ctx context.Context, instance, phone, mediaURL, caption string, maxAttempts int) (*SendResult, error) {
	return c.withRetry(ctx, instance, maxAttempts, func() (*SendResult, error) {
		return c.SendMedia(ctx, instance, phone, mediaURL, caption)
	})
}

func (c *Client) withRetry(ctx context.Context, instance string, maxAttempts int, send func() (*SendResult, error)) (*SendResult, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := send()
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == maxAttempts {
			break
		}
		delay := c.settings.RetryBaseDelay * time.Duration(1<<(attempt-1))
		c.logger.Warn(fmt.Sprintf("send to instance '%s' failed on attempt %d/%d, retrying in %s: %v", instance, attempt, maxAttempts, delay, err))
		if err := c.sleep(ctx, delay); err != nil {
			return nil, classifyTransport(err)
		}
	}
	return nil, lastErr
}

type connectionStateResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		State        string `json:"state"`
	} `json:"instance"`
}

// ConnectionState returns the WhatsApp session state of the instance
// ("open", "connecting" or "close").
func (c *Client) ConnectionState(ctx context.Context, instance string) (string, error) {
	var resp connectionStateResponse
	if err := c.do(ctx, http.MethodGet, "/instance/connectionState/"+url.PathEscape(instance), nil, &resp); err != nil {
		return "", err
	}
	return resp.Instance.State, nil
}

type createInstanceRequest struct {
	InstanceName string `json:"instanceName"`
	Integration  string `json:"integration"`
	QRCode       bool   `json:"qrcode"`
}

type createInstanceResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		Status       string `json:"status"`
	} `json:"instance"`
	QRCode struct {
		Base64 string `json:"base64"`
	} `json:"qrcode"`
}

// CreateInstance creates a gateway instance and returns its pairing code.
func (c *Client) CreateInstance(ctx context.Context, instance string) (*Instance, error) {
	req := createInstanceRequest{InstanceName: instance, Integration: "WHATSAPP-BAILEYS", QRCode: true}
	var resp createInstanceResponse
	if err := c.do(ctx, http.MethodPost, "/instance/create", req, &resp); err != nil {
		return nil, err
	}
	return &Instance{Name: resp.Instance.InstanceName, Status: resp.Instance.Status, QRCode: resp.QRCode.Base64}, nil
}

// DeleteInstance removes the instance from the gateway.
func (c *Client) DeleteInstance(ctx context.Context, instance string) error {
	return c.do(ctx, http.MethodDelete, "/instance/delete/"+url.PathEscape(instance), nil, nil)
}

// RestartInstance restarts the WhatsApp session of the instance.
func (c *Client) RestartInstance(ctx context.Context, instance string) error {
	return c.do(ctx, http.MethodPost, "/instance/restart/"+url.PathEscape(instance), nil, nil)
}

type setWebhookRequest struct {
	Webhook struct {
		Enabled bool              `json:"enabled"`
		URL     string            `json:"url"`
		Headers map[string]string `json:"headers,omitempty"`
		Events  []string          `json:"events"`
	} `json:"webhook"`
}

// SetWebhook points the instance callbacks to cfg.URL.
func (c *Client) SetWebhook(ctx context.Context, instance string, cfg WebhookConfig) error {
	var req setWebhookRequest
	req.Webhook.Enabled = true
	req.Webhook.URL = cfg.URL
	req.Webhook.Events = cfg.Events
	if cfg.APIKey != "" {
		req.Webhook.Headers = map[string]string{"apikey": cfg.APIKey}
	}
	return c.do(ctx, http.MethodPost, "/webhook/set/"+url.PathEscape(instance), req, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.settings.Timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return &Error{Kind: KindGatewayError, Message: "could not encode the request", Err: err}
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.settings.BaseURL+path, body)
	if err != nil {
		return &Error{Kind: KindGatewayError, Message: "could not build the request", Err: err}
	}
	req.Header.Set("apikey", c.settings.APIKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		ge := classifyResponse(resp.StatusCode, raw)
		c.logger.Debug(fmt.Sprintf("gateway %s %s answered %d (%s)", method, path, resp.StatusCode, ge.Kind))
		return ge
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindGatewayError, StatusCode: resp.StatusCode, Message: "could not decode the response", Err: err}
	}
	return nil
}
