package mail

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/lsm/testbed/internal/service"
)

func invoke(s *Service, method string, req any) ([]byte, error) {
	in, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return s.Call(context.Background(), method, in)
}

func sentMessages(t *testing.T, s *Service, filter SentMessagesRequest) []SentMessage {
	t.Helper()
	out, err := invoke(s, "GetSentMessages", filter)
	if err != nil {
		t.Fatalf("GetSentMessages: %v", err)
	}
	var resp SentMessagesResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.Messages
}

func validMessage() Message {
	return Message{
		Sender:   "app@example.com",
		To:       []string{"user@example.com"},
		Subject:  "hello",
		TextBody: "body",
	}
}

func TestSend_Records(t *testing.T) {
	s := New(Config{}, nil)

	msg := validMessage()
	msg.Cc = []string{"Carol <carol@example.com>"}
	msg.Attachments = []Attachment{{FileName: "report.pdf", Data: []byte("%PDF")}}
	if _, err := invoke(s, "Send", msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := sentMessages(t, s, SentMessagesRequest{})
	if len(got) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(got))
	}
	if got[0].Subject != "hello" || got[0].ToAdmins || got[0].SentAt.IsZero() {
		t.Errorf("unexpected message: %+v", got[0])
	}
	if len(got[0].Attachments) != 1 || string(got[0].Attachments[0].Data) != "%PDF" {
		t.Errorf("unexpected attachments: %+v", got[0].Attachments)
	}
}

func TestSend_Validation(t *testing.T) {
	s := New(Config{AuthorizedSenders: []string{"app@example.com", "Other@Example.com"}}, nil)

	tests := []struct {
		name   string
		mutate func(*Message)
		want   int32
	}{
		{"no sender", func(m *Message) { m.Sender = "" }, ErrCodeBadRequest},
		{"bad sender", func(m *Message) { m.Sender = "not an address" }, ErrCodeBadRequest},
		{"unauthorized sender", func(m *Message) { m.Sender = "eve@example.com" }, ErrCodeUnauthorizedSender},
		{"no recipients", func(m *Message) { m.To = nil }, ErrCodeBadRequest},
		{"bad recipient", func(m *Message) { m.Bcc = []string{"@@"} }, ErrCodeBadRequest},
		{"bad reply-to", func(m *Message) { m.ReplyTo = "nope" }, ErrCodeBadRequest},
		{"no body", func(m *Message) { m.TextBody = "" }, ErrCodeBadRequest},
		{"blocked attachment", func(m *Message) { m.Attachments = []Attachment{{FileName: "run.EXE"}} }, ErrCodeInvalidAttachmentType},
		{"attachment without extension", func(m *Message) { m.Attachments = []Attachment{{FileName: "README"}} }, ErrCodeInvalidAttachmentType},
		{"disallowed header", func(m *Message) { m.Headers = map[string]string{"X-Spam": "yes"} }, ErrCodeInvalidHeaderID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := validMessage()
			tt.mutate(&msg)
			_, err := invoke(s, "Send", msg)
			var appErr *service.ApplicationError
			if !errors.As(err, &appErr) {
				t.Fatalf("expected application error, got %v", err)
			}
			if appErr.Code != tt.want {
				t.Errorf("expected code %d, got %d (%s)", tt.want, appErr.Code, appErr.Detail)
			}
		})
	}

	if got := sentMessages(t, s, SentMessagesRequest{}); len(got) != 0 {
		t.Errorf("expected rejected messages not to be recorded, got %d", len(got))
	}
}

func TestSend_AllowedHeaderAndCaseInsensitiveSender(t *testing.T) {
	s := New(Config{AuthorizedSenders: []string{"Other@Example.com"}}, nil)

	msg := validMessage()
	msg.Sender = "Other <other@example.com>"
	msg.Headers = map[string]string{"in-reply-to": "<abc@example.com>"}
	if _, err := invoke(s, "Send", msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestSendToAdmins(t *testing.T) {
	s := New(Config{Admins: []string{"admin@example.com"}}, nil)

	msg := validMessage()
	if _, err := invoke(s, "SendToAdmins", msg); err == nil {
		t.Fatal("expected error for explicit recipients")
	}

	msg.To = nil
	if _, err := invoke(s, "SendToAdmins", msg); err != nil {
		t.Fatalf("SendToAdmins: %v", err)
	}
	got := sentMessages(t, s, SentMessagesRequest{To: "admin@example.com"})
	if len(got) != 1 || !got[0].ToAdmins {
		t.Fatalf("expected one admin message, got %+v", got)
	}
}

func TestGetSentMessages_Filters(t *testing.T) {
	s := New(Config{}, nil)

	a := validMessage()
	b := validMessage()
	b.Subject = "other"
	b.To = nil
	b.Bcc = []string{"hidden@example.com"}
	for _, m := range []Message{a, b} {
		if _, err := invoke(s, "Send", m); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter SentMessagesRequest
		want   int
	}{
		{"all", SentMessagesRequest{}, 2},
		{"subject", SentMessagesRequest{Subject: "other"}, 1},
		{"bcc recipient", SentMessagesRequest{To: "hidden@example.com"}, 1},
		{"sender", SentMessagesRequest{Sender: "app@example.com"}, 2},
		{"no match", SentMessagesRequest{Sender: "x@example.com"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sentMessages(t, s, tt.filter); len(got) != tt.want {
				t.Errorf("expected %d messages, got %d", tt.want, len(got))
			}
		})
	}
}

func TestClearSentMessages(t *testing.T) {
	s := New(Config{}, nil)

	if _, err := invoke(s, "Send", validMessage()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := invoke(s, "ClearSentMessages", service.Empty{}); err != nil {
		t.Fatalf("ClearSentMessages: %v", err)
	}
	if got := sentMessages(t, s, SentMessagesRequest{}); len(got) != 0 {
		t.Errorf("expected empty log, got %d", len(got))
	}
}
