package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Notifier is the write-only alert sink for unhandled errors. The core
// never reads from it; delivery failures are logged and dropped.
type Notifier interface {
	Notify(ctx context.Context, title string, fields map[string]string) error
}

// NopNotifier discards alerts. Used when no webhook is configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, map[string]string) error { return nil }

// WebhookNotifier posts alerts as embed-style JSON to a webhook URL.
type WebhookNotifier struct {
	URL  string
	HTTP *http.Client
}

func (n *WebhookNotifier) Notify(ctx context.Context, title string, fields map[string]string) error {
	type field struct {
		Name   string `json:"name"`
		Value  string `json:"value"`
		Inline bool   `json:"inline"`
	}
	fs := make([]field, 0, len(fields))
	for k, v := range fields {
		fs = append(fs, field{Name: k, Value: fmt.Sprintf("`%s`", v)})
	}
	payload := map[string]any{
		"username": "scratchauth errors",
		"embeds": []map[string]any{{
			"color":  0xff0000,
			"title":  title,
			"fields": fs,
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.HTTP.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
