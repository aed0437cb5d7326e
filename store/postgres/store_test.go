package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/lisuiheng/terrimatch-go/logger"
	"github.com/lisuiheng/terrimatch-go/notification"
)

func breakerOnly(failures uint32) *Store {
	return New(nil, Config{BreakerFailures: failures, BreakerTimeout: time.Minute}, logger.Discard())
}

func TestCallTripsBreakerAfterConsecutiveFailures(t *testing.T) {
	s := breakerOnly(3)
	boom := errors.New("connection refused")

	for i := 0; i < 3; i++ {
		if _, err := call(s, "op", func() (int, error) { return 0, boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d error = %v, want boom", i, err)
		}
	}

	ran := false
	_, err := call(s, "op", func() (int, error) { ran = true; return 1, nil })
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("error = %v, want ErrOpenState", err)
	}
	if ran {
		t.Fatal("fn ran while breaker open")
	}
}

func TestCallIgnoresCallerSideErrors(t *testing.T) {
	s := breakerOnly(1)

	for _, err := range []error{pgx.ErrNoRows, context.Canceled, errNotFound} {
		if _, got := call(s, "op", func() (int, error) { return 0, err }); !errors.Is(got, err) {
			t.Fatalf("call error = %v, want %v", got, err)
		}
	}
	got, err := call(s, "op", func() (string, error) { return "ok", nil })
	if err != nil || got != "ok" {
		t.Fatalf("call = %q, %v; breaker should still be closed", got, err)
	}
}

func TestTranslateNotFound(t *testing.T) {
	s := breakerOnly(5)
	err := exec(s, "mark", func() error { return errNotFound })
	if !errors.Is(translateNotFound(err), notification.ErrNotFound) {
		t.Fatalf("translateNotFound(%v) lost ErrNotFound", err)
	}
	other := errors.New("x")
	if translateNotFound(other) != other {
		t.Fatal("translateNotFound changed unrelated error")
	}
}

func TestDecodeNotificationPayload(t *testing.T) {
	payload := `{"id":"0b8e","user_id":"42","category":"matches","title":"New match","body":"","read":false,"created_at":"2026-05-01T09:00:00.123456+00:00"}`
	n, err := decodeNotification(payload)
	if err != nil {
		t.Fatal(err)
	}
	if n.ID != "0b8e" || n.UserID != "42" || n.Category != notification.CategoryMatches {
		t.Fatalf("decoded %+v", n)
	}
	if n.CreatedAt.Year() != 2026 {
		t.Fatalf("CreatedAt = %v", n.CreatedAt)
	}

	for _, bad := range []string{`not json`, `{"title":"x"}`, `{"id":"1"}`} {
		if _, err := decodeNotification(bad); err == nil {
			t.Errorf("decodeNotification(%q) error = nil", bad)
		}
	}
}

func TestDecodeWalletUpdatePayload(t *testing.T) {
	u, err := decodeWalletUpdate(`{"user_id":"42","credits":950}`)
	if err != nil {
		t.Fatal(err)
	}
	if u.UserID != "42" || u.Credits != 950 {
		t.Fatalf("decoded %+v", u)
	}
	if _, err := decodeWalletUpdate(`{"credits":1}`); err == nil {
		t.Fatal("missing user_id accepted")
	}
}
