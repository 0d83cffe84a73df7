package notify

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"github.com/SirClappington/remindq/internal/config"
)

func testSubscription(t *testing.T, endpoint string) Subscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		t.Fatal(err)
	}
	return Subscription{
		Endpoint: endpoint,
		Keys: Keys{
			P256dh: base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}
}

func testPushConfig(t *testing.T) config.PushConfig {
	t.Helper()
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		t.Fatal(err)
	}
	return config.PushConfig{
		VAPIDPublicKey:  pub,
		VAPIDPrivateKey: priv,
		Subject:         "mailto:ops@example.com",
		TTL:             30,
	}
}

func TestWebPushSend(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	w := NewWebPush(testPushConfig(t), srv.Client())
	if err := w.Send(context.Background(), testSubscription(t, srv.URL), []byte(`{"id":"r1"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got == nil {
		t.Fatal("push service not called")
	}
	if got.Header.Get("TTL") != "30" {
		t.Fatalf("ttl=%q", got.Header.Get("TTL"))
	}
	if !strings.HasPrefix(got.Header.Get("Authorization"), "vapid ") {
		t.Fatalf("authorization=%q", got.Header.Get("Authorization"))
	}
	if got.Header.Get("Content-Encoding") != "aes128gcm" {
		t.Fatalf("encoding=%q", got.Header.Get("Content-Encoding"))
	}
}

func TestWebPushRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	w := NewWebPush(testPushConfig(t), srv.Client())
	err := w.Send(context.Background(), testSubscription(t, srv.URL), []byte(`{}`))
	if err == nil || !strings.Contains(err.Error(), "410") {
		t.Fatalf("err=%v", err)
	}
}

func TestNewSenderFallsBackToLog(t *testing.T) {
	if _, ok := NewSender(config.PushConfig{}, zap.NewNop()).(LogSender); !ok {
		t.Fatal("expected log sender without keys")
	}
	if _, ok := NewSender(testPushConfig(t), zap.NewNop()).(*WebPush); !ok {
		t.Fatal("expected web push sender with keys")
	}
}
