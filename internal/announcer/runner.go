package announcer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"aaronromeo.com/identityswitch/internal/notify"
)

const webhookAnnouncePath = "/announcements"

type Option func(*ppAnnoucer)

func WithWebhookURL(webhookURL string) Option {
	return func(ppa *ppAnnoucer) {
		ppa.baseURL = strings.TrimSpace(webhookURL)
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(ppa *ppAnnoucer) {
		ppa.client = client
	}
}

type ppAnnoucer struct {
	baseURL string
	client  *http.Client
}

// New returns a notify.Sink that posts new-mail announcements to a webhook.
// Without a URL it delivers nothing.
func New(opts ...Option) *ppAnnoucer {
	announcer := &ppAnnoucer{client: &http.Client{Timeout: 10 * time.Second}}
	for _, opt := range opts {
		opt(announcer)
	}
	return announcer
}

type announcement struct {
	Message  string           `json:"message"`
	Title    string           `json:"title"`
	Accounts []notify.Account `json:"accounts"`
}

func (p *ppAnnoucer) Deliver(ctx context.Context, payload notify.Payload) error {
	if p.baseURL == "" {
		return nil
	}
	notified := payload.Notified()
	if len(notified) == 0 {
		return nil
	}

	lines := make([]string, 0, len(notified))
	for _, acct := range notified {
		if acct.Desktop != nil {
			lines = append(lines, acct.Desktop.Text)
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %d unread", acct.Label, acct.Unseen))
	}
	body, err := json.Marshal(announcement{
		Message:  strings.Join(lines, "\n"),
		Title:    payload.Title,
		Accounts: notified,
	})
	if err != nil {
		return err
	}

	baseURL := strings.TrimRight(p.baseURL, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+webhookAnnouncePath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("reporting webhook returned status %s", resp.Status)
	}
	return nil
}
