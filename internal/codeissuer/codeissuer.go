// Package codeissuer mints the short session codes runners type in by hand and the
// signed, stateless QR tokens that let a phone camera skip typing entirely.
package codeissuer

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

var (
	// ErrInvalidToken is returned by VerifyQRToken when a token is malformed or its
	// signature does not match.
	ErrInvalidToken = errors.New("codeissuer: invalid token")
	// ErrExpiredToken is returned when a token's signature verifies but its expiry
	// has elapsed. Callers that only care about usability can treat both the same;
	// distinguishing them lets the scanner UI say "scan a fresh code" instead of
	// "bad code".
	ErrExpiredToken = errors.New("codeissuer: expired token")
)

// Issuer mints session codes and signs/verifies QR tokens with an HMAC key shared
// across all server instances, so no issued token needs to be persisted.
type Issuer struct {
	signingKey []byte
	alphabet   string
	length     int
	baseURL    string
}

// New builds an Issuer. alphabet is the character set session codes are drawn from
// (a Crockford-style set with ambiguous characters removed works well for codes read
// aloud or written on a whiteboard); length is the number of characters per code.
// baseURL, if non-empty, is the prefix of the QR payload URL (see CheckinURL).
func New(signingKey, alphabet string, length int, baseURL string) *Issuer {
	return &Issuer{
		signingKey: []byte(signingKey),
		alphabet:   alphabet,
		length:     length,
		baseURL:    baseURL,
	}
}

// NewSessionCode draws a fresh random code from the configured alphabet. Collisions
// against existing runs are the caller's responsibility to detect and retry.
func (i *Issuer) NewSessionCode() (string, error) {
	buf := make([]byte, i.length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session code: %w", err)
	}

	var sb strings.Builder
	sb.Grow(i.length)
	for _, b := range buf {
		sb.WriteByte(i.alphabet[int(b)%len(i.alphabet)])
	}
	return sb.String(), nil
}

// MintQRToken produces a short-lived, self-contained, cryptographically signed token
// binding sessionCode to an expiry. The token format is
// base64(sessionCode:expiry:signature) so no server-side state is needed to validate
// it later — any instance holding signingKey can verify it.
func (i *Issuer) MintQRToken(sessionCode string, ttl time.Duration) (string, error) {
	expiry := time.Now().Add(ttl).Unix()
	payload := fmt.Sprintf("%s:%d", sessionCode, expiry)

	mac := hmac.New(sha256.New, i.signingKey)
	mac.Write([]byte(payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	token := payload + ":" + signature
	return base64.URLEncoding.EncodeToString([]byte(token)), nil
}

// VerifyQRToken validates token and returns the session code it was minted for.
func (i *Issuer) VerifyQRToken(token string) (string, error) {
	decoded, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrInvalidToken
	}

	parts := strings.Split(string(decoded), ":")
	if len(parts) != 3 {
		return "", ErrInvalidToken
	}
	sessionCode, expiryStr, providedSignature := parts[0], parts[1], parts[2]

	expiry, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		return "", ErrInvalidToken
	}

	payload := sessionCode + ":" + expiryStr
	mac := hmac.New(sha256.New, i.signingKey)
	mac.Write([]byte(payload))
	expectedSignature := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(providedSignature), []byte(expectedSignature)) {
		return "", ErrInvalidToken
	}
	if time.Now().Unix() > expiry {
		return "", ErrExpiredToken
	}

	return sessionCode, nil
}

// CheckinURL returns the URL a QR scan lands on for token. With no configured base
// URL the bare token is returned, which the scanner app submits directly.
func (i *Issuer) CheckinURL(token string) string {
	if i.baseURL == "" {
		return token
	}
	return strings.TrimRight(i.baseURL, "/") + "/checkin/" + token
}

// QRImage renders a PNG QR code for sessionCode at the given pixel size. The image
// encodes a freshly minted signed token rather than the bare code, so a photographed
// poster stops admitting check-ins once the token expires.
func (i *Issuer) QRImage(sessionCode string, ttl time.Duration, size int) ([]byte, error) {
	token, err := i.MintQRToken(sessionCode, ttl)
	if err != nil {
		return nil, err
	}
	png, err := qrcode.Encode(i.CheckinURL(token), qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("render qr code: %w", err)
	}
	return png, nil
}
