package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultGraphURL = "https://graph.facebook.com"

// WhatsAppConfig holds the Cloud API credentials.
type WhatsAppConfig struct {
	APIVersion    string
	AccessToken   string
	PhoneNumberID string
	Language      string
}

// WhatsAppOption configures a WhatsAppSender.
type WhatsAppOption func(*WhatsAppSender)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) WhatsAppOption {
	return func(s *WhatsAppSender) { s.httpClient = c }
}

// WithBaseURL points the sender at a different Graph API host.
func WithBaseURL(u string) WhatsAppOption {
	return func(s *WhatsAppSender) { s.baseURL = strings.TrimRight(u, "/") }
}

// WhatsAppSender sends template messages through the WhatsApp Cloud API.
type WhatsAppSender struct {
	cfg        WhatsAppConfig
	httpClient *http.Client
	baseURL    string
}

// NewWhatsAppSender builds a sender. Missing credentials are reported on send
// so the server can start without them.
func NewWhatsAppSender(cfg WhatsAppConfig, opts ...WhatsAppOption) *WhatsAppSender {
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v19.0"
	}
	if cfg.Language == "" {
		cfg.Language = "en_US"
	}
	s := &WhatsAppSender{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    defaultGraphURL,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type templateMessage struct {
	MessagingProduct string          `json:"messaging_product"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Template         templatePayload `json:"template"`
}

type templatePayload struct {
	Name       string              `json:"name"`
	Language   templateLanguage    `json:"language"`
	Components []templateComponent `json:"components,omitempty"`
}

type templateLanguage struct {
	Code string `json:"code"`
}

type templateComponent struct {
	Type       string              `json:"type"`
	Parameters []templateParameter `json:"parameters"`
}

type templateParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func buildTemplateMessage(phone, template, lang string, params []string) templateMessage {
	msg := templateMessage{
		MessagingProduct: "whatsapp",
		To:               strings.TrimPrefix(phone, "+"),
		Type:             "template",
		Template: templatePayload{
			Name:     template,
			Language: templateLanguage{Code: lang},
		},
	}
	if len(params) > 0 {
		comp := templateComponent{Type: "body"}
		for _, p := range params {
			comp.Parameters = append(comp.Parameters, templateParameter{Type: "text", Text: p})
		}
		msg.Template.Components = []templateComponent{comp}
	}
	return msg
}

// SendTemplate posts a template message to the Cloud API messages endpoint.
func (s *WhatsAppSender) SendTemplate(ctx context.Context, phone, template string, params []string) error {
	if s.cfg.AccessToken == "" || s.cfg.PhoneNumberID == "" {
		return ErrNotConfigured
	}
	if phone == "" {
		return ErrMissingRecipient
	}
	if template == "" {
		return ErrMissingTemplate
	}

	body, err := json.Marshal(buildTemplateMessage(phone, template, s.cfg.Language, params))
	if err != nil {
		return fmt.Errorf("notification: marshal message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/%s/messages", s.baseURL, s.cfg.APIVersion, s.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notification: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notification: send: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg := strings.TrimSpace(string(respBody))
	var ge graphError
	if json.Unmarshal(respBody, &ge) == nil && ge.Error.Message != "" {
		msg = ge.Error.Message
	}
	return &SendError{StatusCode: resp.StatusCode, Message: msg}
}
