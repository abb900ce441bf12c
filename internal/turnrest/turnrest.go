// Package turnrest mints coturn-compatible TURN REST credentials for call
// participants whose direct connection needs a relay hop.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm (coturn-compatible):
//
//	username   = <unix_expiry_timestamp>:<realm>:<random_call_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed using the server clock in UTC. Each /ice request gets a
// fresh credential pair so a leaked pair goes stale on its own.
package turnrest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Minter struct {
	sharedSecret []byte
	ttl          time.Duration
	realm        string
	now          func() time.Time
	callIDSource func() (string, error)
}

type MinterConfig struct {
	SharedSecret string
	TTL          time.Duration
	Realm        string

	// Now and CallIDSource are test seams; nil means the real clock and a
	// random 128-bit identifier.
	Now          func() time.Time
	CallIDSource func() (string, error)
}

func NewMinter(cfg MinterConfig) (*Minter, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("TTL must be > 0")
	}
	if cfg.Realm == "" {
		return nil, errors.New("Realm is required")
	}
	if strings.Contains(cfg.Realm, ":") {
		return nil, errors.New("Realm must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CallIDSource == nil {
		cfg.CallIDSource = randomCallID
	}
	return &Minter{
		sharedSecret: []byte(cfg.SharedSecret),
		ttl:          cfg.TTL,
		realm:        cfg.Realm,
		now:          cfg.Now,
		callIDSource: cfg.CallIDSource,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Mint produces a credential pair valid for the configured TTL.
func (m *Minter) Mint() (Credentials, error) {
	callID, err := m.callIDSource()
	if err != nil {
		return Credentials{}, fmt.Errorf("generate call id: %w", err)
	}
	if strings.Contains(callID, ":") {
		return Credentials{}, errors.New("call id must not contain ':'")
	}

	expiryUnix := m.now().UTC().Add(m.ttl).Unix()
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, m.realm, callID)
	mac := hmac.New(sha1.New, m.sharedSecret)
	_, _ = mac.Write([]byte(username))

	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiryUnix: expiryUnix,
	}, nil
}

func randomCallID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
