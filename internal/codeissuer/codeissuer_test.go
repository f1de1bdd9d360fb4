package codeissuer

import (
	"strings"
	"testing"
	"time"
)

func TestIssuer_NewSessionCode_UsesAlphabetAndLength(t *testing.T) {
	alphabet := "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
	iss := New("signing-key", alphabet, 5, "")

	code, err := iss.NewSessionCode()
	if err != nil {
		t.Fatalf("NewSessionCode: %v", err)
	}
	if len(code) != 5 {
		t.Fatalf("expected a 5-character code, got %q", code)
	}
	for _, c := range code {
		if !strings.ContainsRune(alphabet, c) {
			t.Fatalf("code %q contains character %q outside the configured alphabet", code, c)
		}
	}
}

func TestIssuer_QRToken_RoundTrip(t *testing.T) {
	iss := New("signing-key", "23456789ABCDEFGHJKLMNPQRSTUVWXYZ", 5, "")

	token, err := iss.MintQRToken("ABCDE", time.Hour)
	if err != nil {
		t.Fatalf("MintQRToken: %v", err)
	}

	code, err := iss.VerifyQRToken(token)
	if err != nil {
		t.Fatalf("VerifyQRToken: %v", err)
	}
	if code != "ABCDE" {
		t.Fatalf("expected session code ABCDE, got %q", code)
	}
}

func TestIssuer_QRToken_RejectsExpired(t *testing.T) {
	iss := New("signing-key", "23456789ABCDEFGHJKLMNPQRSTUVWXYZ", 5, "")

	token, err := iss.MintQRToken("ABCDE", -time.Minute)
	if err != nil {
		t.Fatalf("MintQRToken: %v", err)
	}

	if _, err := iss.VerifyQRToken(token); err != ErrExpiredToken {
		t.Fatalf("expected ErrExpiredToken for an expired token, got %v", err)
	}
}

func TestIssuer_QRToken_RejectsTamperedSignature(t *testing.T) {
	iss := New("signing-key", "23456789ABCDEFGHJKLMNPQRSTUVWXYZ", 5, "")

	token, err := iss.MintQRToken("ABCDE", time.Hour)
	if err != nil {
		t.Fatalf("MintQRToken: %v", err)
	}

	otherIssuer := New("different-key", "23456789ABCDEFGHJKLMNPQRSTUVWXYZ", 5, "")
	if _, err := otherIssuer.VerifyQRToken(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken when verifying with a different signing key, got %v", err)
	}
}

func TestIssuer_QRToken_RejectsMutatedToken(t *testing.T) {
	iss := New("signing-key", "23456789ABCDEFGHJKLMNPQRSTUVWXYZ", 5, "")

	token, err := iss.MintQRToken("ABCDE", time.Hour)
	if err != nil {
		t.Fatalf("MintQRToken: %v", err)
	}

	for pos := 0; pos < len(token); pos++ {
		mutated := []byte(token)
		if mutated[pos] == 'x' {
			mutated[pos] = 'y'
		} else {
			mutated[pos] = 'x'
		}
		if _, err := iss.VerifyQRToken(string(mutated)); err == nil {
			t.Fatalf("expected verification to fail for a token mutated at position %d", pos)
		}
	}
}

func TestIssuer_QRImage_ProducesPNG(t *testing.T) {
	iss := New("signing-key", "23456789ABCDEFGHJKLMNPQRSTUVWXYZ", 5, "https://runclub.example.com")

	png, err := iss.QRImage("ABCDE", time.Hour, 256)
	if err != nil {
		t.Fatalf("QRImage: %v", err)
	}
	if len(png) == 0 {
		t.Fatal("expected non-empty PNG bytes")
	}
	// PNG signature per RFC 2083.
	sig := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	if len(png) < len(sig) || string(png[:len(sig)]) != string(sig) {
		t.Fatal("expected output to start with the PNG magic header")
	}
}
