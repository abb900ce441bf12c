package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"testing"
	"time"
)

func TestMint_DeterministicWithFixedTime(t *testing.T) {
	m, err := NewMinter(MinterConfig{
		SharedSecret: "shared-secret",
		TTL:          time.Hour,
		Realm:        "peerwave",
		Now:          func() time.Time { return time.Unix(1_700_000_000, 0).UTC() },
		CallIDSource: func() (string, error) { return "call123", nil },
	})
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}

	creds, err := m.Mint()
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	wantExpiry := int64(1_700_003_600)
	if creds.ExpiryUnix != wantExpiry {
		t.Fatalf("ExpiryUnix: got %d, want %d", creds.ExpiryUnix, wantExpiry)
	}
	wantUsername := "1700003600:peerwave:call123"
	if creds.Username != wantUsername {
		t.Fatalf("Username: got %q, want %q", creds.Username, wantUsername)
	}

	wantCred := expectedCredential(t, []byte("shared-secret"), wantUsername)
	if creds.Credential != wantCred {
		t.Fatalf("Credential: got %q, want %q", creds.Credential, wantCred)
	}
}

func TestMint_FreshCallIDPerMint(t *testing.T) {
	m, err := NewMinter(MinterConfig{
		SharedSecret: "secret",
		TTL:          time.Minute,
		Realm:        "peerwave",
	})
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}

	a, err := m.Mint()
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	b, err := m.Mint()
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if a.Username == b.Username {
		t.Fatalf("expected distinct usernames, both %q", a.Username)
	}
}

func TestNewMinter_Validation(t *testing.T) {
	cases := []struct {
		name string
		cfg  MinterConfig
	}{
		{"missing secret", MinterConfig{TTL: time.Minute, Realm: "r"}},
		{"zero ttl", MinterConfig{SharedSecret: "s", Realm: "r"}},
		{"missing realm", MinterConfig{SharedSecret: "s", TTL: time.Minute}},
		{"colon in realm", MinterConfig{SharedSecret: "s", TTL: time.Minute, Realm: "a:b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewMinter(tc.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestMint_RejectsColonInCallID(t *testing.T) {
	m, err := NewMinter(MinterConfig{
		SharedSecret: "secret",
		TTL:          time.Minute,
		Realm:        "peerwave",
		CallIDSource: func() (string, error) { return "a:b", nil },
	})
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}
	if _, err := m.Mint(); err == nil {
		t.Fatal("expected error for ':' in call id")
	}
}

func expectedCredential(t *testing.T, secret []byte, username string) string {
	t.Helper()
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
