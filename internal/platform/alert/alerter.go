// Package alert implements component H: format and send an operator
// notification with tender context to a chat channel.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"tender-pipeline/configs"
	"tender-pipeline/internal/domain/tender"
)

const chatAPIEndpoint = "https://api.telegram.org/bot%s/sendMessage"

// Alerter sends operator notifications. Missing credentials degrade
// to a logged no-op; send failures log but never propagate.
type Alerter struct {
	cfg  configs.AlertConfig
	http *http.Client
	log  *zap.Logger
}

// New constructs an Alerter.
func New(cfg configs.AlertConfig, log *zap.Logger) *Alerter {
	return &Alerter{cfg: cfg, http: &http.Client{}, log: log}
}

// Notify formats a multi-line chat message (external id, title,
// state, operator message, landing URL) and POSTs it to the chat API.
func (a *Alerter) Notify(ctx context.Context, t *tender.Tender, message string) {
	if a.cfg.ChatBotToken == "" || a.cfg.ChatID == "" {
		a.log.Info("alert: no credentials configured, skipping notification",
			zap.String("tender_id", t.ExternalID))
		return
	}

	text := fmt.Sprintf(
		"Tender: %s\nTitle: %s\nState: %s\nMessage: %s\nLanding URL: %s",
		t.ExternalID, t.Title, t.State, message, t.LandingURL,
	)

	body, err := json.Marshal(map[string]string{
		"chat_id": a.cfg.ChatID,
		"text":    text,
	})
	if err != nil {
		a.log.Warn("alert: encode message failed", zap.Error(err))
		return
	}

	url := fmt.Sprintf(chatAPIEndpoint, a.cfg.ChatBotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		a.log.Warn("alert: build request failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		a.log.Warn("alert: send failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		a.log.Warn("alert: chat API returned non-200", zap.Int("status", resp.StatusCode))
	}
}
