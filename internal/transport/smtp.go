package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/drip/internal/dkim"
	"github.com/foxzi/drip/internal/store"
)

// SMTPSender delivers messages by SMTP submission using the account's own
// credentials: AUTH PLAIN for smtp-kind accounts, OAUTHBEARER with a
// refreshed token for oauth2-kind accounts.
type SMTPSender struct {
	hostname string
	timeout  time.Duration
	logger   *slog.Logger
	signers  *dkim.Provider
	tokens   *tokenCache
	now      func() time.Time

	// dial is swappable for tests
	dial func(addr string, tlsConfig *tls.Config) (smtpSession, error)
}

// smtpSession is the slice of the SMTP client the sender uses
type smtpSession interface {
	Auth(a sasl.Client) error
	SendMail(from string, to []string, r *bytes.Reader) error
	Quit() error
}

type realSession struct {
	*smtp.Client
}

func (s realSession) SendMail(from string, to []string, r *bytes.Reader) error {
	return s.Client.SendMail(from, to, r)
}

// NewSMTPSender creates a sender announcing itself as hostname
func NewSMTPSender(hostname string, timeout time.Duration, signers *dkim.Provider, logger *slog.Logger) *SMTPSender {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &SMTPSender{
		hostname: hostname,
		timeout:  timeout,
		logger:   logger,
		signers:  signers,
		tokens:   newTokenCache(),
		now:      time.Now,
		dial: func(addr string, tlsConfig *tls.Config) (smtpSession, error) {
			c, err := smtp.DialStartTLS(addr, tlsConfig)
			if err != nil {
				return nil, err
			}
			return realSession{c}, nil
		},
	}
}

// Send delivers one message through the account's submission server
func (s *SMTPSender) Send(ctx context.Context, account *store.EmailAccount, msg *Message) (*Result, error) {
	auth, err := s.saslFor(ctx, account)
	if err != nil {
		return nil, err
	}
	if account.SMTP == nil {
		return nil, &SendError{Message: fmt.Sprintf("account %s has no SMTP settings", account.ID)}
	}

	data, messageID := buildRFC5322(msg, s.hostname, s.now())
	if s.signers != nil {
		if signer := s.signers.ForAddress(msg.From); signer != nil {
			signed, err := signer.Sign(data)
			if err != nil {
				s.logger.Warn("DKIM signing failed, sending unsigned",
					"domain", signer.Domain(), "error", err)
			} else {
				data = signed
			}
		}
	}

	addr := fmt.Sprintf("%s:%d", account.SMTP.Host, account.SMTP.Port)
	session, err := s.dial(addr, &tls.Config{ServerName: account.SMTP.Host})
	if err != nil {
		return nil, &SendError{Temporary: true, Message: fmt.Sprintf("connect %s: %v", addr, err)}
	}
	defer session.Quit()

	if err := session.Auth(auth); err != nil {
		// Bad credentials won't fix themselves between retries
		return nil, &SendError{Message: fmt.Sprintf("auth failed for %s: %v", account.Address, err)}
	}

	if err := session.SendMail(msg.From, []string{msg.To}, bytes.NewReader(data)); err != nil {
		return classifySMTPError(err)
	}

	threadID := msg.ThreadID
	if threadID == "" {
		threadID = messageID
	}
	return &Result{ProviderMessageID: messageID, ThreadID: threadID}, nil
}

// saslFor builds the SASL client for an account
func (s *SMTPSender) saslFor(ctx context.Context, account *store.EmailAccount) (sasl.Client, error) {
	switch account.Kind {
	case store.AccountSMTP:
		if account.SMTP == nil {
			return nil, &SendError{Message: fmt.Sprintf("account %s has no SMTP settings", account.ID)}
		}
		return sasl.NewPlainClient("", account.SMTP.Username, account.SMTP.Password), nil

	case store.AccountOAuth2:
		if account.OAuth == nil || account.SMTP == nil {
			return nil, &SendError{Message: fmt.Sprintf("account %s has incomplete oauth2 settings", account.ID)}
		}
		token, err := s.tokens.token(ctx, account)
		if err != nil {
			// Token endpoints fail transiently; invalid grants do not,
			// but distinguishing them needs provider-specific parsing
			return nil, &SendError{Temporary: true, Message: fmt.Sprintf("token refresh for %s: %v", account.Address, err)}
		}
		return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: account.Address,
			Token:    token,
			Host:     account.SMTP.Host,
			Port:     account.SMTP.Port,
		}), nil
	}
	return nil, &SendError{Message: fmt.Sprintf("unknown account kind %q", account.Kind)}
}

// classifySMTPError maps an SMTP reply to the engine's error taxonomy:
// recipient rejections become bounce signals, 4xx replies are temporary,
// other 5xx replies are permanent failures.
func classifySMTPError(err error) (*Result, error) {
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		return nil, &SendError{Temporary: true, Message: err.Error()}
	}

	if smtpErr.Code >= 500 {
		if isRecipientRejection(smtpErr) {
			return &Result{Bounce: &Bounce{
				Kind:   BounceHard,
				Reason: fmt.Sprintf("%d %s", smtpErr.Code, smtpErr.Message),
			}}, nil
		}
		return nil, &SendError{Message: fmt.Sprintf("%d %s", smtpErr.Code, smtpErr.Message)}
	}

	return nil, &SendError{Temporary: true, Message: fmt.Sprintf("%d %s", smtpErr.Code, smtpErr.Message)}
}

// isRecipientRejection reports whether a permanent reply is about the
// mailbox rather than the session. 550/551/553 are the classic mailbox
// rejections; enhanced codes 5.1.x (addressing) and 5.2.x (mailbox) cover
// servers that reply 554 with a proper enhanced code.
func isRecipientRejection(e *smtp.SMTPError) bool {
	switch e.Code {
	case 550, 551, 553:
		return true
	}
	if e.EnhancedCode[0] == 5 && (e.EnhancedCode[1] == 1 || e.EnhancedCode[1] == 2) {
		return true
	}
	return false
}
