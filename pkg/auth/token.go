// Package auth turns the stored GitHub credential into short-lived Copilot
// access tokens and runs the device-flow login.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const defaultLifetime = 25 * time.Minute

// AccessToken is one exchanged Copilot bearer token.
type AccessToken struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RefreshIn time.Duration
	APIBase   string
	Claims    map[string]string
}

// Usable reports whether the token has more than margin left at now.
func (t AccessToken) Usable(now time.Time, margin time.Duration) bool {
	if t.Value == "" {
		return false
	}
	return now.Add(margin).Before(t.ExpiresAt)
}

func (t AccessToken) ExpiresIn(now time.Time) time.Duration {
	d := t.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func (t AccessToken) SKU() string { return t.Claims["sku"] }

// Identity names the account behind the token so caches survive a refresh.
// It is the tracking id claim, or a digest of the token when that is absent.
func (t AccessToken) Identity() string {
	if tid := t.Claims["tid"]; tid != "" {
		return tid
	}
	if t.Value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(t.Value))
	return hex.EncodeToString(sum[:8])
}

// ParseClaims reads the semicolon separated key=value fields of a Copilot
// token. Segments without '=' are ignored.
func ParseClaims(token string) map[string]string {
	claims := map[string]string{}
	for _, seg := range strings.Split(token, ";") {
		k, v, ok := strings.Cut(seg, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		claims[k] = strings.TrimSpace(v)
	}
	return claims
}

// apiBaseFrom picks the API base URL: the advertised endpoint, then the
// proxy-ep claim with its proxy. host rewritten to api., then fallback.
func apiBaseFrom(endpoint string, claims map[string]string, fallback string) string {
	if endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/"); endpoint != "" {
		return endpoint
	}
	if ep := strings.TrimSpace(claims["proxy-ep"]); ep != "" {
		ep = strings.TrimPrefix(strings.TrimPrefix(ep, "https://"), "http://")
		if rest, ok := strings.CutPrefix(ep, "proxy."); ok {
			ep = "api." + rest
		}
		return "https://" + strings.TrimRight(ep, "/")
	}
	return strings.TrimRight(fallback, "/")
}

// expiryFrom resolves the expiry from the response, then the exp claim, then
// a default lifetime.
func expiryFrom(expiresAt int64, claims map[string]string, now time.Time) time.Time {
	if expiresAt > 0 {
		return time.Unix(expiresAt, 0)
	}
	if exp, err := strconv.ParseInt(claims["exp"], 10, 64); err == nil && exp > 0 {
		return time.Unix(exp, 0)
	}
	return now.Add(defaultLifetime)
}
