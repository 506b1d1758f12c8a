// Package dkim signs outgoing messages for the sending domains that have a
// configured key.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
)

// Signer signs messages for one domain/selector pair
type Signer struct {
	key      *rsa.PrivateKey
	domain   string
	selector string
}

// NewSignerFromFile loads the PEM key at path and builds a signer
func NewSignerFromFile(keyFile, domain, selector string) (*Signer, error) {
	key, err := loadPrivateKey(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key for %s: %w", domain, err)
	}
	return &Signer{key: key, domain: domain, selector: selector}, nil
}

// Sign returns the message with a DKIM-Signature header prepended
func (s *Signer) Sign(message []byte) ([]byte, error) {
	opts := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(message), opts); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return signed.Bytes(), nil
}

// Domain returns the signing domain
func (s *Signer) Domain() string {
	return s.domain
}

// Provider maps sender domains to their signers
type Provider struct {
	signers map[string]*Signer
}

// NewProvider creates an empty provider
func NewProvider() *Provider {
	return &Provider{signers: make(map[string]*Signer)}
}

// Add loads a key file and registers its signer for a domain
func (p *Provider) Add(domain, selector, keyFile string) error {
	signer, err := NewSignerFromFile(keyFile, domain, selector)
	if err != nil {
		return err
	}
	p.signers[strings.ToLower(domain)] = signer
	return nil
}

// ForAddress returns the signer for the domain of an email address, or nil
// if the domain has no configured key
func (p *Provider) ForAddress(email string) *Signer {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return nil
	}
	return p.signers[strings.ToLower(email[at+1:])]
}

// loadPrivateKey reads an RSA private key in PKCS#1 or PKCS#8 PEM form
func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key in %s is not RSA", path)
	}
	return key, nil
}
