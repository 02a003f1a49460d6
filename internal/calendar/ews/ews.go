// Package ews implements the Exchange Web Services adapter. Requests are SOAP
// 1.1 envelopes sent over an NTLM-authenticated channel that lives for one
// sync session.
package ews

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/beekhof/calendar-sync-engine/internal/calendar"

	"github.com/Azure/go-ntlmssp"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 60 * time.Second
	maxResponseSize = 32 << 20
	soapActionBase  = "http://schemas.microsoft.com/exchange/services/2006/messages/"
)

// Adapter opens EWS sessions.
type Adapter struct {
	Sealer calendar.Sealer
	Logger *zap.Logger
	// Timeout bounds each request on the NTLM channel.
	Timeout time.Duration
	// NewTransport builds the transport under each channel's NTLM negotiator.
	NewTransport func() http.RoundTripper
	Now          calendar.Clock
}

// NewAdapter returns an adapter using dedicated HTTP/1.1 transports.
func NewAdapter(sealer calendar.Sealer, logger *zap.Logger, timeout time.Duration) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{Sealer: sealer, Logger: logger, Timeout: timeout, NewTransport: defaultTransport}
}

// defaultTransport keeps a single HTTP/1.1 connection per channel so the
// NTLM handshake and the requests that follow share one TCP connection.
func defaultTransport() http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxConnsPerHost = 1
	t.MaxIdleConnsPerHost = 1
	t.ForceAttemptHTTP2 = false
	t.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	return t
}

// Open decrypts the credential bundle. The NTLM channel is created lazily.
func (a *Adapter) Open(ctx context.Context, conn *calendar.Connection) (calendar.Session, error) {
	plain, err := a.Sealer.Decrypt(conn.EncryptedCredential)
	if err != nil {
		return nil, err
	}
	cred, err := calendar.DecodeExchangeCredential(plain)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(conn.ServerEndpoint) == "" {
		return nil, fmt.Errorf("EWS connection %s has no server endpoint", conn.ID)
	}

	timeout := a.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	newTransport := a.NewTransport
	if newTransport == nil {
		newTransport = defaultTransport
	}
	now := a.Now
	if now == nil {
		now = time.Now
	}
	logger := a.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &session{
		endpoint:     conn.ServerEndpoint,
		cred:         cred,
		timeout:      timeout,
		newTransport: newTransport,
		now:          now,
		logger:       logger.With(zap.String("connection_id", conn.ID.String())),
	}, nil
}

// channel is one authenticated HTTP connection to the server.
type channel struct {
	client    *http.Client
	transport http.RoundTripper
}

func (c *channel) close() {
	if ci, ok := c.transport.(interface{ CloseIdleConnections() }); ok {
		ci.CloseIdleConnections()
	}
}

type session struct {
	endpoint     string
	cred         calendar.ExchangeCredential
	timeout      time.Duration
	newTransport func() http.RoundTripper
	now          calendar.Clock
	logger       *zap.Logger

	ch *channel
}

func (s *session) activeChannel() *channel {
	if s.ch == nil {
		base := s.newTransport()
		s.ch = &channel{
			transport: base,
			client: &http.Client{
				Timeout:   s.timeout,
				Transport: ntlmssp.Negotiator{RoundTripper: base},
			},
		}
	}
	return s.ch
}

// resetChannel discards the current channel. The next request performs a
// fresh handshake on a new connection.
func (s *session) resetChannel() {
	if s.ch != nil {
		s.ch.close()
		s.ch = nil
	}
	s.logger.Debug("ntlm channel reset")
}

// RefreshAuth is a no-op: EWS credentials are static and are validated by
// the first request on the channel.
func (s *session) RefreshAuth(ctx context.Context) error { return nil }

func (s *session) Close() error {
	if s.ch != nil {
		s.ch.close()
		s.ch = nil
	}
	return nil
}

// call posts a SOAP request and returns the raw response envelope.
func (s *session) call(ctx context.Context, action, body string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(envelope(body)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", soapActionBase+action)
	req.SetBasicAuth(s.cred.NTLMUser(), s.cred.Password)

	resp, err := s.activeChannel().client.Do(req)
	if err != nil {
		return "", &calendar.ProviderError{Provider: calendar.ProviderEWS, Op: action, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", &calendar.ProviderError{Provider: calendar.ProviderEWS, Op: action, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", calendar.HTTPStatusError(calendar.ProviderEWS, action, resp.StatusCode)
	case resp.StatusCode == http.StatusInternalServerError:
		// SOAP faults arrive as 500 with an envelope describing the problem.
		return "", &calendar.ProviderError{Provider: calendar.ProviderEWS, Op: action, StatusCode: resp.StatusCode, Err: faultError(string(data))}
	case resp.StatusCode >= 300:
		return "", &calendar.ProviderError{Provider: calendar.ProviderEWS, Op: action, StatusCode: resp.StatusCode}
	}
	return string(data), nil
}

// Error is an EWS response message with ResponseClass="Error".
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("ews %s: %s", e.Code, e.Message)
	}
	return "ews " + e.Code
}

func isInvalidSyncState(err error) bool {
	var ee *Error
	if !errors.As(err, &ee) {
		return false
	}
	switch ee.Code {
	case "ErrorInvalidSyncStateData":
		return true
	}
	return false
}
