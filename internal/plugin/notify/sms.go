package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// TwilioConfig holds the process-wide Twilio credentials.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string

	// BaseURL overrides the Twilio API endpoint, for tests.
	BaseURL string
}

// SMS delivers messages as text messages through Twilio's REST API. The
// recipient phone number comes from the tenant's notification entry
// config; credentials are process-wide.
type SMS struct {
	cfg    TwilioConfig
	client *http.Client
	logger *slog.Logger
}

// NewSMS returns the sms notification plugin. Credentials are checked
// at Init, not here, so the plugin can register without them.
func NewSMS(cfg TwilioConfig, logger *slog.Logger) *SMS {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	return &SMS{
		cfg:    cfg,
		client: &http.Client{Timeout: defaultHTTPTimeout},
		logger: logger.With("plugin", "sms"),
	}
}

func (s *SMS) Name() string { return "sms" }

// Init fails when the Twilio credentials are absent.
func (s *SMS) Init() error {
	if s.cfg.AccountSID == "" || s.cfg.AuthToken == "" {
		return fmt.Errorf("twilio credentials not configured")
	}
	return nil
}

// Execute sends the message to the configured phone number.
func (s *SMS) Execute(ctx context.Context, message string, config map[string]string) error {
	phone := config["phone"]
	if phone == "" {
		return fmt.Errorf("sms plugin requires phone number")
	}

	form := url.Values{}
	form.Set("Body", message)
	form.Set("From", s.cfg.From)
	form.Set("To", phone)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.cfg.BaseURL, s.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("twilio returned status %d", resp.StatusCode)
	}

	s.logger.Debug("sms sent", "to", phone)
	return nil
}

// ValidateConfig checks the recipient phone number.
func (s *SMS) ValidateConfig(config map[string]string) error {
	phone := config["phone"]
	if phone == "" {
		return fmt.Errorf("sms plugin requires phone number")
	}
	if !strings.HasPrefix(phone, "+") {
		return fmt.Errorf("phone number must include country code (e.g. +1234567890)")
	}
	return nil
}
