package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/drip/internal/store"
)

func TestBuildRFC5322Headers(t *testing.T) {
	msg := &Message{
		From:     "sender@example.com",
		FromName: "Jordan Sender",
		To:       "lead@example.org",
		Subject:  "Quick question",
		Body:     "Hi there,\nshort note.",
	}

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	data, messageID := buildRFC5322(msg, "mail.example.com", now)
	text := string(data)

	if !strings.Contains(text, "From: Jordan Sender <sender@example.com>\r\n") {
		t.Errorf("missing From header:\n%s", text)
	}
	if !strings.Contains(text, "To: lead@example.org\r\n") {
		t.Errorf("missing To header")
	}
	if !strings.Contains(text, "Message-ID: <"+messageID+">\r\n") {
		t.Errorf("message id not in headers")
	}
	if !strings.HasSuffix(messageID, "@mail.example.com") {
		t.Errorf("message id must carry the hostname, got %s", messageID)
	}
	if strings.Contains(text, "In-Reply-To") {
		t.Errorf("no thread id given, must not write In-Reply-To")
	}
	if !strings.Contains(text, "short note.\r\n") {
		t.Errorf("body LF must be normalized to CRLF:\n%q", text)
	}
}

func TestBuildRFC5322Threading(t *testing.T) {
	msg := &Message{
		From:     "sender@example.com",
		To:       "lead@example.org",
		Subject:  "Re: Quick question",
		Body:     "bump",
		ThreadID: "abc123@mail.example.com",
	}

	data, _ := buildRFC5322(msg, "mail.example.com", time.Now())
	text := string(data)
	if !strings.Contains(text, "In-Reply-To: <abc123@mail.example.com>\r\n") {
		t.Errorf("follow-up must reference its thread:\n%s", text)
	}
	if !strings.Contains(text, "References: <abc123@mail.example.com>\r\n") {
		t.Errorf("follow-up must carry References")
	}
}

func TestClassifySMTPError(t *testing.T) {
	// Mailbox rejection becomes a bounce signal, not an error
	res, err := classifySMTPError(&smtp.SMTPError{Code: 550, Message: "user unknown"})
	if err != nil {
		t.Fatalf("550 must not be an error: %v", err)
	}
	if res.Bounce == nil || res.Bounce.Kind != BounceHard {
		t.Errorf("expected hard bounce, got %+v", res)
	}

	// Enhanced 5.1.1 on a 554 reply is still a mailbox rejection
	res, err = classifySMTPError(&smtp.SMTPError{
		Code: 554, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user",
	})
	if err != nil || res.Bounce == nil {
		t.Errorf("554/5.1.1 must be a bounce, got res=%+v err=%v", res, err)
	}

	// 4xx is temporary
	_, err = classifySMTPError(&smtp.SMTPError{Code: 451, Message: "try later"})
	var sendErr *SendError
	if !errors.As(err, &sendErr) || !sendErr.Temporary {
		t.Errorf("451 must be a temporary SendError, got %v", err)
	}

	// Other 5xx is permanent
	_, err = classifySMTPError(&smtp.SMTPError{Code: 554, Message: "policy rejection"})
	if !errors.As(err, &sendErr) || sendErr.Temporary {
		t.Errorf("plain 554 must be a permanent SendError, got %v", err)
	}

	// Network errors are temporary
	_, err = classifySMTPError(errors.New("connection reset"))
	if !errors.As(err, &sendErr) || !sendErr.Temporary {
		t.Errorf("network error must be temporary, got %v", err)
	}
}

type fakeSession struct {
	authErr error
	sendErr error
	sent    []byte
}

func (f *fakeSession) Auth(a sasl.Client) error { return f.authErr }
func (f *fakeSession) SendMail(from string, to []string, r *bytes.Reader) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	data, _ := io.ReadAll(r)
	f.sent = data
	return nil
}
func (f *fakeSession) Quit() error { return nil }

func smtpAccount() *store.EmailAccount {
	return &store.EmailAccount{
		ID: "acc-1", OrgID: "org-1", Address: "sender@example.com",
		Kind: store.AccountSMTP, Status: store.AccountActive,
		SMTP: &store.SMTPSettings{Host: "smtp.example.com", Port: 587, Username: "sender@example.com", Password: "secret"},
	}
}

func testSender(session smtpSession) *SMTPSender {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewSMTPSender("mail.example.com", time.Second, nil, logger)
	s.dial = func(addr string, tlsConfig *tls.Config) (smtpSession, error) {
		return session, nil
	}
	return s
}

func TestSendSuccess(t *testing.T) {
	session := &fakeSession{}
	s := testSender(session)

	res, err := s.Send(context.Background(), smtpAccount(), &Message{
		From: "sender@example.com", To: "lead@example.org",
		Subject: "hi", Body: "hello",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.ProviderMessageID == "" || res.ThreadID != res.ProviderMessageID {
		t.Errorf("first send must thread on its own message id, got %+v", res)
	}
	if len(session.sent) == 0 {
		t.Errorf("no message written to the session")
	}
}

func TestSendAuthFailureIsPermanent(t *testing.T) {
	s := testSender(&fakeSession{authErr: errors.New("535 bad credentials")})

	_, err := s.Send(context.Background(), smtpAccount(), &Message{From: "a@b.c", To: "x@y.z"})
	var sendErr *SendError
	if !errors.As(err, &sendErr) || sendErr.Temporary {
		t.Errorf("auth failure must be permanent, got %v", err)
	}
}

func TestSendRecipientRejectionSurfacesBounce(t *testing.T) {
	s := testSender(&fakeSession{sendErr: &smtp.SMTPError{Code: 550, Message: "mailbox unavailable"}})

	res, err := s.Send(context.Background(), smtpAccount(), &Message{From: "a@b.c", To: "x@y.z"})
	if err != nil {
		t.Fatalf("bounce must not be an error: %v", err)
	}
	if res.Bounce == nil || res.Bounce.Kind != BounceHard {
		t.Errorf("expected hard bounce, got %+v", res)
	}
}
