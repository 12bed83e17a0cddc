package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rewired-gh/quotesentinel/internal/logger"
)

// Webhook posts markdown messages to a chat-robot endpoint.
type Webhook struct {
	url        string
	secret     string
	httpClient *http.Client
	now        func() time.Time
}

type markdownPayload struct {
	MsgType  string          `json:"msgtype"`
	Markdown markdownContent `json:"markdown"`
}

type markdownContent struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type robotResponse struct {
	ErrCode *int   `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// APIError is an application-level rejection reported inside a 2xx response.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("webhook rejected message: errcode=%d errmsg=%q", e.Code, e.Message)
}

// NewWebhook creates a webhook client. An empty secret disables signing.
func NewWebhook(webhookURL, secret string) *Webhook {
	return &Webhook{
		url:        webhookURL,
		secret:     secret,
		httpClient: &http.Client{},
		now:        time.Now,
	}
}

// Sign computes the robot signature for a millisecond timestamp: base64 of
// HMAC-SHA256("{timestamp}\n{secret}") keyed by the secret.
func Sign(secret string, timestampMillis int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestampMillis, 10) + "\n" + secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// signedURL appends timestamp and sign query parameters when a secret is configured.
func (w *Webhook) signedURL() (string, error) {
	if w.secret == "" {
		return w.url, nil
	}
	u, err := url.Parse(w.url)
	if err != nil {
		return "", fmt.Errorf("failed to parse webhook URL: %w", err)
	}
	ts := w.now().UnixMilli()
	q := u.Query()
	q.Set("timestamp", strconv.FormatInt(ts, 10))
	q.Set("sign", Sign(w.secret, ts))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Post sends a single markdown message. Success requires a 2xx status and errcode 0.
func (w *Webhook) Post(ctx context.Context, title, text string) error {
	target, err := w.signedURL()
	if err != nil {
		return err
	}

	body, err := json.Marshal(markdownPayload{
		MsgType:  "markdown",
		Markdown: markdownContent{Title: title, Text: fmt.Sprintf("### %s\n\n%s", title, text)},
	})
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("failed to read webhook response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var result robotResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("failed to decode webhook response: %w", err)
	}
	if result.ErrCode == nil {
		return &APIError{Code: -1, Message: "response carries no errcode"}
	}
	if *result.ErrCode != 0 {
		return &APIError{Code: *result.ErrCode, Message: result.ErrMsg}
	}
	return nil
}

// LogSender writes alerts to the log instead of a webhook. It is used when the
// webhook is disabled so detections stay visible.
type LogSender struct{}

func (LogSender) Post(_ context.Context, title, text string) error {
	logger.Info("ALERT %s\n%s", title, text)
	return nil
}
