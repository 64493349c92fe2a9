package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/driphost/billing-service/internal/domain"
)

type stubSender struct {
	chatID int64
	text   string
}

func (s *stubSender) SendMessage(_ context.Context, chatID int64, text string) error {
	s.chatID, s.text = chatID, text
	return nil
}

func TestTelegramNotifierSendsToTelegramID(t *testing.T) {
	sender := &stubSender{}
	n := NewTelegramNotifier(sender, newTestLogger())

	deadline := time.Date(2025, 2, 3, 4, 5, 0, 0, time.UTC)
	err := n.Notify(context.Background(), domain.User{ID: 1, TelegramID: 777}, domain.Notification{
		Kind:     domain.NotifyServerGrace,
		Amount:   dec("15"),
		Resource: "10.0.0.1",
		Deadline: &deadline,
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if sender.chatID != 777 {
		t.Fatalf("expected chat 777, got %d", sender.chatID)
	}
	for _, want := range []string{"10.0.0.1", "$15.00", "2025-02-03 04:05 UTC"} {
		if !strings.Contains(sender.text, want) {
			t.Fatalf("message %q missing %q", sender.text, want)
		}
	}
}

func TestTelegramNotifierRequiresTelegramID(t *testing.T) {
	n := NewTelegramNotifier(&stubSender{}, newTestLogger())
	if err := n.Notify(context.Background(), domain.User{ID: 1}, domain.Notification{Kind: domain.NotifyDepositReceived}); err == nil {
		t.Fatal("expected error for user without telegram id")
	}
}
