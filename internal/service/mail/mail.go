// Package mail emulates the mail API. Messages are validated and recorded
// instead of delivered so tests can inspect them.
package mail

import (
	"context"
	"log/slog"
	netmail "net/mail"
	"net/textproto"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/lsm/testbed/internal/service"
)

// ServiceName is the mail service name in request envelopes.
const ServiceName = "mail"

// Application error codes.
const (
	ErrCodeInternalError         int32 = 1
	ErrCodeBadRequest            int32 = 2
	ErrCodeUnauthorizedSender    int32 = 3
	ErrCodeInvalidAttachmentType int32 = 4
	ErrCodeInvalidHeaderID       int32 = 5
)

var blockedExtensions = map[string]bool{
	"ade": true, "adp": true, "bat": true, "chm": true, "cmd": true,
	"com": true, "cpl": true, "exe": true, "hta": true, "ins": true,
	"isp": true, "jse": true, "lib": true, "mde": true, "msc": true,
	"msp": true, "mst": true, "pif": true, "scr": true, "sct": true,
	"shb": true, "sys": true, "vb": true, "vbe": true, "vbs": true,
	"vxd": true, "wsc": true, "wsf": true, "wsh": true,
}

var allowedHeaders = map[string]bool{
	"Auto-Submitted":   true,
	"In-Reply-To":      true,
	"List-Id":          true,
	"List-Unsubscribe": true,
	"On-Behalf-Of":     true,
	"References":       true,
	"Resent-Date":      true,
	"Resent-From":      true,
	"Resent-To":        true,
}

// Config holds mail settings.
type Config struct {
	// Admins receive messages sent with SendToAdmins.
	Admins []string
	// LogBodies logs message bodies when they are sent.
	LogBodies bool
	// AuthorizedSenders, when not empty, restricts the sender address.
	AuthorizedSenders []string
}

// Attachment is a file attached to a message.
type Attachment struct {
	FileName  string `json:"fileName"`
	Data      []byte `json:"data"`
	ContentID string `json:"contentId,omitempty"`
}

// Message is an outgoing email.
type Message struct {
	Sender      string            `json:"sender"`
	To          []string          `json:"to,omitempty"`
	Cc          []string          `json:"cc,omitempty"`
	Bcc         []string          `json:"bcc,omitempty"`
	ReplyTo     string            `json:"replyTo,omitempty"`
	Subject     string            `json:"subject,omitempty"`
	TextBody    string            `json:"textBody,omitempty"`
	HTMLBody    string            `json:"htmlBody,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
}

// SentMessage is a recorded message.
type SentMessage struct {
	Message
	ToAdmins bool      `json:"toAdmins,omitempty"`
	SentAt   time.Time `json:"sentAt"`
}

// Service is the mail emulation of one session.
type Service struct {
	service.Mux
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	sent []SentMessage
}

// New creates the mail service with an empty sent-message log.
func New(cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{cfg: cfg, logger: logger, now: time.Now}
	s.Handle("Send", service.Method(s.send))
	s.Handle("SendToAdmins", service.Method(s.sendToAdmins))
	s.Handle("GetSentMessages", service.Method(s.getSentMessages))
	s.Handle("ClearSentMessages", service.Method(s.clearSentMessages))
	return s
}

// Name implements service.Service.
func (s *Service) Name() string { return ServiceName }

// Call implements service.Service.
func (s *Service) Call(ctx context.Context, method string, in []byte) ([]byte, error) {
	return s.Dispatch(ctx, ServiceName, method, in)
}

// Close implements service.Service.
func (s *Service) Close() error {
	s.mu.Lock()
	s.sent = nil
	s.mu.Unlock()
	return nil
}

func (s *Service) send(_ context.Context, msg *Message) (*service.Empty, error) {
	if len(msg.To)+len(msg.Cc)+len(msg.Bcc) == 0 {
		return nil, service.NewApplicationError(ErrCodeBadRequest, "message has no recipients")
	}
	if err := s.validate(msg); err != nil {
		return nil, err
	}
	s.record(*msg, false)
	return &service.Empty{}, nil
}

func (s *Service) sendToAdmins(_ context.Context, msg *Message) (*service.Empty, error) {
	if len(msg.To)+len(msg.Cc)+len(msg.Bcc) > 0 {
		return nil, service.NewApplicationError(ErrCodeBadRequest, "messages to admins must not name recipients")
	}
	if err := s.validate(msg); err != nil {
		return nil, err
	}
	m := *msg
	m.To = slices.Clone(s.cfg.Admins)
	s.record(m, true)
	return &service.Empty{}, nil
}

func (s *Service) validate(msg *Message) error {
	if msg.Sender == "" {
		return service.NewApplicationError(ErrCodeBadRequest, "sender is required")
	}
	sender, err := netmail.ParseAddress(msg.Sender)
	if err != nil {
		return service.NewApplicationError(ErrCodeBadRequest, "invalid sender %q: %v", msg.Sender, err)
	}
	if len(s.cfg.AuthorizedSenders) > 0 && !slices.ContainsFunc(s.cfg.AuthorizedSenders, func(a string) bool {
		return strings.EqualFold(a, sender.Address)
	}) {
		return service.NewApplicationError(ErrCodeUnauthorizedSender, "unauthorized sender %s", sender.Address)
	}
	if msg.ReplyTo != "" {
		if _, err := netmail.ParseAddress(msg.ReplyTo); err != nil {
			return service.NewApplicationError(ErrCodeBadRequest, "invalid reply-to %q: %v", msg.ReplyTo, err)
		}
	}
	for _, group := range [][]string{msg.To, msg.Cc, msg.Bcc} {
		for _, addr := range group {
			if _, err := netmail.ParseAddress(addr); err != nil {
				return service.NewApplicationError(ErrCodeBadRequest, "invalid recipient %q: %v", addr, err)
			}
		}
	}
	if msg.TextBody == "" && msg.HTMLBody == "" {
		return service.NewApplicationError(ErrCodeBadRequest, "message has no body")
	}
	for name := range msg.Headers {
		if !allowedHeaders[textproto.CanonicalMIMEHeaderKey(name)] {
			return service.NewApplicationError(ErrCodeInvalidHeaderID, "header %q is not allowed", name)
		}
	}
	for _, a := range msg.Attachments {
		if err := validateAttachment(a); err != nil {
			return err
		}
	}
	return nil
}

func validateAttachment(a Attachment) error {
	ext := strings.TrimPrefix(path.Ext(a.FileName), ".")
	if ext == "" {
		return service.NewApplicationError(ErrCodeInvalidAttachmentType, "attachment %q has no file extension", a.FileName)
	}
	if blockedExtensions[strings.ToLower(ext)] {
		return service.NewApplicationError(ErrCodeInvalidAttachmentType, "attachment type %q is not allowed", ext)
	}
	return nil
}

func (s *Service) record(msg Message, toAdmins bool) {
	s.mu.Lock()
	s.sent = append(s.sent, SentMessage{Message: msg, ToAdmins: toAdmins, SentAt: s.now()})
	s.mu.Unlock()

	attrs := []any{
		"sender", msg.Sender,
		"to", msg.To,
		"subject", msg.Subject,
		"attachments", len(msg.Attachments),
		"to_admins", toAdmins,
	}
	if s.cfg.LogBodies {
		attrs = append(attrs, "text_body", msg.TextBody, "html_body", msg.HTMLBody)
	}
	s.logger.Info("mail sent", attrs...)
}

// SentMessagesRequest filters the sent-message log. Empty fields match
// every message.
type SentMessagesRequest struct {
	Sender  string `json:"sender,omitempty"`
	To      string `json:"to,omitempty"`
	Subject string `json:"subject,omitempty"`
}

// SentMessagesResponse lists recorded messages in send order.
type SentMessagesResponse struct {
	Messages []SentMessage `json:"messages"`
}

func (s *Service) getSentMessages(_ context.Context, req *SentMessagesRequest) (*SentMessagesResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := &SentMessagesResponse{Messages: []SentMessage{}}
	for _, m := range s.sent {
		if req.matches(&m) {
			resp.Messages = append(resp.Messages, m)
		}
	}
	return resp, nil
}

func (r *SentMessagesRequest) matches(m *SentMessage) bool {
	if r.Sender != "" && r.Sender != m.Sender {
		return false
	}
	if r.Subject != "" && r.Subject != m.Subject {
		return false
	}
	if r.To != "" && !slices.Contains(m.To, r.To) && !slices.Contains(m.Cc, r.To) && !slices.Contains(m.Bcc, r.To) {
		return false
	}
	return true
}

func (s *Service) clearSentMessages(_ context.Context, _ *service.Empty) (*service.Empty, error) {
	s.mu.Lock()
	n := len(s.sent)
	s.sent = nil
	s.mu.Unlock()
	s.logger.Debug("sent messages cleared", "count", n)
	return &service.Empty{}, nil
}
