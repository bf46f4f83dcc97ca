// Package session encodes the per-calendar access keys a browser has
// presented, so the browser view does not need the key on every request.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

const (
	// CookieName is the cookie carrying the token.
	CookieName = "session"
	// MaxAge is how long browsers keep the cookie.
	MaxAge = 400 * 24 * time.Hour
)

// Keys maps calendar name to the key that unlocked it.
type Keys map[string]string

type payload struct {
	SavedKeys Keys `json:"saved_keys"`
}

// Codec signs and verifies tokens with HMAC-SHA256.
type Codec struct {
	secret []byte
}

func NewCodec(secret []byte) *Codec {
	return &Codec{secret: append([]byte(nil), secret...)}
}

// Encode returns a signed token for keys.
func (c *Codec) Encode(keys Keys) (string, error) {
	if keys == nil {
		keys = Keys{}
	}
	data, err := json.Marshal(payload{SavedKeys: keys})
	if err != nil {
		return "", err
	}
	body := base64.RawURLEncoding.EncodeToString(data)
	return body + "." + base64.RawURLEncoding.EncodeToString(c.sign(body)), nil
}

// Decode verifies token and returns its keys. Missing, tampered or
// malformed tokens decode to an empty set.
func (c *Codec) Decode(token string) Keys {
	body, sig, ok := strings.Cut(token, ".")
	if !ok {
		return Keys{}
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(got, c.sign(body)) {
		return Keys{}
	}
	data, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Keys{}
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil || p.SavedKeys == nil {
		return Keys{}
	}
	return p.SavedKeys
}

func (c *Codec) sign(body string) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(body))
	return mac.Sum(nil)
}
