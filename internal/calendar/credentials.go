package calendar

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
)

// EncodeOAuthToken serializes an OAuth credential (access and refresh token).
func EncodeOAuthToken(tok *oauth2.Token) ([]byte, error) {
	return json.Marshal(tok)
}

// DecodeOAuthToken parses a credential written by EncodeOAuthToken.
func DecodeOAuthToken(b []byte) (*oauth2.Token, error) {
	var tok oauth2.Token
	if err := json.Unmarshal(b, &tok); err != nil {
		return nil, fmt.Errorf("failed to parse oauth credential: %w", err)
	}
	return &tok, nil
}

// BasicCredential is a CalDAV username/password pair, stored as "username:password".
type BasicCredential struct {
	Username string
	Password string
}

func (c BasicCredential) Encode() []byte {
	return []byte(c.Username + ":" + c.Password)
}

// DecodeBasicCredential splits on the first colon, so passwords may contain colons.
func DecodeBasicCredential(b []byte) (BasicCredential, error) {
	user, pass, ok := strings.Cut(string(b), ":")
	if !ok || user == "" {
		return BasicCredential{}, errors.New("malformed username:password credential")
	}
	return BasicCredential{Username: user, Password: pass}, nil
}

// ExchangeCredential is the EWS credential bundle.
type ExchangeCredential struct {
	Domain   string `json:"domain,omitempty"`
	Username string `json:"username"`
	Password string `json:"password"`
	Mailbox  string `json:"mailbox,omitempty"`
}

func (c ExchangeCredential) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeExchangeCredential parses an EWS credential bundle.
func DecodeExchangeCredential(b []byte) (ExchangeCredential, error) {
	var c ExchangeCredential
	if err := json.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("failed to parse exchange credential: %w", err)
	}
	if c.Username == "" {
		return c, errors.New("exchange credential is missing a username")
	}
	return c, nil
}

// NTLMUser returns the DOMAIN\user form expected by NTLM.
func (c ExchangeCredential) NTLMUser() string {
	if c.Domain == "" || strings.Contains(c.Username, `\`) || strings.Contains(c.Username, "@") {
		return c.Username
	}
	return c.Domain + `\` + c.Username
}
