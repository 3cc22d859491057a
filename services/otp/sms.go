package otp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/errutil"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const smsTimeout = 10 * time.Second

// HTTPSender posts messages to a bearer-authenticated SMS gateway.
type HTTPSender struct {
	cfg    config.SMS
	client *http.Client
}

func NewHTTPSender(cfg *config.Config) (*HTTPSender, error) {
	if err := validator.New().Struct(cfg.SMS); err != nil {
		return nil, errutil.Internal("sms gateway is not configured", err)
	}
	return &HTTPSender{
		cfg: cfg.SMS,
		client: &http.Client{
			Timeout:   smsTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

type smsRequest struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
	Message string `json:"message"`
}

// Send returns an error on any non-2xx answer so the delivery task retries.
func (s *HTTPSender) Send(ctx context.Context, phone, message string) error {
	body, err := json.Marshal(smsRequest{From: s.cfg.Sender, To: phone, Message: message})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sms gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	return nil
}
