package notify

import (
	"context"
	"io"
	"net/http"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/remindq/internal/config"
)

// WebPush sends VAPID-signed Web Push messages.
type WebPush struct {
	client  *http.Client
	subject string
	public  string
	private string
	ttl     int
}

func NewWebPush(cfg config.PushConfig, client *http.Client) *WebPush {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebPush{
		client:  client,
		subject: strings.TrimPrefix(cfg.Subject, "mailto:"), // the library adds the scheme
		public:  cfg.VAPIDPublicKey,
		private: cfg.VAPIDPrivateKey,
		ttl:     cfg.TTL,
	}
}

func (w *WebPush) Send(ctx context.Context, sub Subscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
	}, &webpush.Options{
		HTTPClient:      w.client,
		Subscriber:      w.subject,
		VAPIDPublicKey:  w.public,
		VAPIDPrivateKey: w.private,
		TTL:             w.ttl,
	})
	if err != nil {
		return errors.Wrap(err, "send push")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		return errors.Errorf("push service returned %s", resp.Status)
	}
	return nil
}

// LogSender writes deliveries to the log. It stands in when no VAPID keys
// are configured.
type LogSender struct {
	Log *zap.Logger
}

func (s LogSender) Send(_ context.Context, sub Subscription, payload []byte) error {
	s.Log.Info("push notification", zap.String("endpoint", sub.Endpoint), zap.ByteString("payload", payload))
	return nil
}

// NewSender picks the Web Push sender when keys are configured.
func NewSender(cfg config.PushConfig, log *zap.Logger) Sender {
	if cfg.Enabled() {
		return NewWebPush(cfg, &http.Client{Timeout: cfg.Timeout})
	}
	log.Warn("VAPID keys not configured, push notifications will only be logged")
	return LogSender{Log: log}
}
