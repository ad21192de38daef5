package security

import (
	"errors"
	"testing"
	"time"
)

func TestAdminTokenRoundTrip(t *testing.T) {
	token, errGen := GenerateAdminToken("0123456789abcdef", 3, "root", time.Hour)
	if errGen != nil {
		t.Fatalf("generate: %v", errGen)
	}
	claims, errParse := ParseAdminToken("0123456789abcdef", token)
	if errParse != nil {
		t.Fatalf("parse: %v", errParse)
	}
	if claims.AdminID != 3 || claims.Username != "root" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if _, errWrong := ParseAdminToken("another-secret-value", token); !errors.Is(errWrong, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", errWrong)
	}
}

func TestAdminTokenExpired(t *testing.T) {
	token, errGen := GenerateAdminToken("0123456789abcdef", 1, "root", -time.Minute)
	if errGen != nil {
		t.Fatalf("generate: %v", errGen)
	}
	if _, errParse := ParseAdminToken("0123456789abcdef", token); !errors.Is(errParse, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", errParse)
	}
}

func TestPasswordHash(t *testing.T) {
	hash, errHash := HashPassword("s3cret")
	if errHash != nil {
		t.Fatalf("hash: %v", errHash)
	}
	if !CheckPassword(hash, "s3cret") {
		t.Fatalf("expected password to match")
	}
	if CheckPassword(hash, "other") {
		t.Fatalf("expected mismatch")
	}
}
