// Package identity derives the stable per-visitor client ID used by the
// admission registry and the ingest proxy. Both resolve identity through the
// same Resolver so ownership checks stay consistent.
package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// CookieName is the visitor cookie issued by the gateway.
	CookieName = "driftcast_visitor"

	defaultCookieTTL = 365 * 24 * time.Hour
	tokenLength      = 32
	keyIterations    = 4096
	keyLength        = 32
)

// Source reports how a client ID was derived.
type Source string

const (
	SourceCookie      Source = "cookie"
	SourceFingerprint Source = "fingerprint"
)

// CookieSecureMode controls when the visitor cookie carries the Secure flag.
type CookieSecureMode int

const (
	CookieSecureAuto CookieSecureMode = iota
	CookieSecureAlways
)

// Config configures a Resolver.
type Config struct {
	// Secret keys the fingerprint HMAC. Required.
	Secret string
	// CookieTTL bounds the visitor cookie lifetime. Defaults to one year.
	CookieTTL  time.Duration
	SecureMode CookieSecureMode
	SameSite   http.SameSite
}

// Resolver maps an incoming request to a registry-facing client ID. When a
// visitor cookie is present the ID is a hash of its value; otherwise a keyed
// fingerprint over the client IP, User-Agent, and Accept-Language stands in.
type Resolver struct {
	cookieTTL      time.Duration
	secureMode     CookieSecureMode
	sameSite       http.SameSite
	fingerprintKey []byte
	tokenFactory   func(int) (string, error)
}

// NewResolver builds a Resolver. The fingerprint key is derived from the
// secret so raw request attributes never appear in logs or store keys.
func NewResolver(cfg Config) (*Resolver, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, fmt.Errorf("identity secret is required")
	}
	ttl := cfg.CookieTTL
	if ttl <= 0 {
		ttl = defaultCookieTTL
	}
	sameSite := cfg.SameSite
	if sameSite == 0 {
		sameSite = http.SameSiteStrictMode
	}
	return &Resolver{
		cookieTTL:      ttl,
		secureMode:     cfg.SecureMode,
		sameSite:       sameSite,
		fingerprintKey: pbkdf2.Key([]byte(secret), []byte("driftcast-fingerprint"), keyIterations, keyLength, sha256.New),
		tokenFactory:   generateToken,
	}, nil
}

// Resolve derives the client ID for the request without issuing a cookie.
func (r *Resolver) Resolve(req *http.Request) (string, Source) {
	if cookie, err := req.Cookie(CookieName); err == nil && strings.TrimSpace(cookie.Value) != "" {
		return hashToken(cookie.Value), SourceCookie
	}
	return r.fingerprint(req), SourceFingerprint
}

// ResolveOrIssue derives the client ID, setting a fresh visitor cookie when
// none is present so subsequent requests resolve via the stable cookie path.
func (r *Resolver) ResolveOrIssue(w http.ResponseWriter, req *http.Request) (string, Source, error) {
	if cookie, err := req.Cookie(CookieName); err == nil && strings.TrimSpace(cookie.Value) != "" {
		return hashToken(cookie.Value), SourceCookie, nil
	}
	token, err := r.tokenFactory(tokenLength)
	if err != nil {
		return "", "", fmt.Errorf("issue visitor token: %w", err)
	}
	expires := time.Now().Add(r.cookieTTL)
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires.UTC(),
		MaxAge:   int(r.cookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   r.secure(req),
		SameSite: r.sameSite,
	})
	return hashToken(token), SourceCookie, nil
}

func (r *Resolver) secure(req *http.Request) bool {
	if r.secureMode == CookieSecureAlways {
		return true
	}
	return isSecureRequest(req)
}

func (r *Resolver) fingerprint(req *http.Request) string {
	mac := hmac.New(sha256.New, r.fingerprintKey)
	mac.Write([]byte(clientIP(req)))
	mac.Write([]byte{0})
	mac.Write([]byte(req.Header.Get("User-Agent")))
	mac.Write([]byte{0})
	mac.Write([]byte(req.Header.Get("Accept-Language")))
	return hex.EncodeToString(mac.Sum(nil))
}

func clientIP(req *http.Request) string {
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xrip := req.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func isSecureRequest(req *http.Request) bool {
	if req == nil {
		return false
	}
	if req.TLS != nil {
		return true
	}
	if proto := req.Header.Get("X-Forwarded-Proto"); proto != "" {
		for _, p := range strings.Split(proto, ",") {
			if strings.EqualFold(strings.TrimSpace(p), "https") {
				return true
			}
		}
	}
	return false
}

func hashToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}

func generateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
