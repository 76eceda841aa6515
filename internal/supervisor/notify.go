package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ashureev/ispec/internal/domain"
)

// handleNotify posts one scheduled message to the configured webhook.
func (s *Supervisor) handleNotify(ctx context.Context, cmd *domain.Command) (string, error) {
	if s.cfg.NotifyWebhookURL == "" {
		return "", fmt.Errorf("no notify webhook URL is configured")
	}

	channel := gjson.Get(cmd.PayloadJSON, "channel").String()
	text := gjson.Get(cmd.PayloadJSON, "text").String()
	if text == "" {
		return "", fmt.Errorf("notify payload missing text")
	}

	body, _ := sjson.Set("{}", "channel", channel)
	body, _ = sjson.Set(body, "text", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.NotifyWebhookURL, bytes.NewReader([]byte(body)))
	if err != nil {
		return "", fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.webhook.Do(req)
	if err != nil {
		return "", fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	result, _ := sjson.Set("{}", "posted", true)
	result, _ = sjson.Set(result, "channel", channel)
	return result, nil
}
