package phone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const graphAPIBase = "https://graph.facebook.com/v19.0"

// Sender delivers a verification code to a phone number.
type Sender interface {
	SendCode(ctx context.Context, phone, code string) error
}

// WhatsAppSender sends codes as text messages through the WhatsApp Cloud API.
type WhatsAppSender struct {
	token         string
	phoneNumberID string
	baseURL       string
	client        *http.Client
}

func NewWhatsAppSender(token, phoneNumberID string, client *http.Client) *WhatsAppSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WhatsAppSender{token: token, phoneNumberID: phoneNumberID, baseURL: graphAPIBase, client: client}
}

type textMessage struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		Body string `json:"body"`
	} `json:"text"`
}

func (s *WhatsAppSender) SendCode(ctx context.Context, phone, code string) error {
	msg := textMessage{MessagingProduct: "whatsapp", To: phone, Type: "text"}
	msg.Text.Body = fmt.Sprintf("Your CloudBudgetGuard verification code is %s", code)

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/%s/messages", s.baseURL, s.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("whatsapp send: status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
	return nil
}

// LogSender logs codes instead of sending them. Used when WhatsApp is not configured.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendCode(_ context.Context, phone, code string) error {
	s.logger.Info("WhatsApp code not sent (WhatsApp disabled)", zap.String("phone", phone), zap.String("code", code))
	return nil
}
