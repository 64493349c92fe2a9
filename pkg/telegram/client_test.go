package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSendMessage(t *testing.T) {
	var got sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "TOKEN")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := c.SendMessage(context.Background(), 1001, "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got.ChatID != 1001 || got.Text != "hello" || got.ParseMode != "HTML" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestSendMessageReportsBotErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Forbidden: bot was blocked by the user"}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "TOKEN")
	if err := c.SendMessage(context.Background(), 1001, "hello"); err == nil {
		t.Fatal("expected error when the user blocked the bot")
	}
}
