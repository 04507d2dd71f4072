// Package notify ships the built-in notification plugins.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultHTTPTimeout = 10 * time.Second

// Discord delivers messages to a Discord channel via webhook. The
// webhook URL comes from the tenant's notification entry config.
type Discord struct {
	client   *http.Client
	username string
	logger   *slog.Logger
}

// NewDiscord returns the discord notification plugin. username is the
// bot name shown on posted messages.
func NewDiscord(username string, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	if username == "" {
		username = "Nani Bot"
	}
	return &Discord{
		client:   &http.Client{Timeout: defaultHTTPTimeout},
		username: username,
		logger:   logger.With("plugin", "discord"),
	}
}

func (d *Discord) Name() string { return "discord" }

// Init is a no-op: the webhook needs no credentials.
func (d *Discord) Init() error { return nil }

// Execute posts the message to the configured webhook.
func (d *Discord) Execute(ctx context.Context, message string, config map[string]string) error {
	webhook := config["webhook"]
	if webhook == "" {
		return fmt.Errorf("discord webhook URL is missing")
	}

	body, err := json.Marshal(map[string]string{
		"content":  message,
		"username": d.username,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	d.logger.Debug("discord notification sent")
	return nil
}

// ValidateConfig checks the webhook URL shape.
func (d *Discord) ValidateConfig(config map[string]string) error {
	webhook := config["webhook"]
	if webhook == "" {
		return fmt.Errorf("discord plugin requires webhook URL")
	}
	if !strings.Contains(webhook, "discord.com/api/webhooks/") {
		return fmt.Errorf("invalid Discord webhook URL")
	}
	return nil
}
