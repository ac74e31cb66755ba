package auth

import (
	"context"
	"testing"
	"time"
)

func TestTokenIssuerMintsValidatorCompatibleTokens(t *testing.T) {
	clockNow := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return clockNow }

	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	token, expiresAt, err := issuer.IssueSessionToken(context.Background(), Identity{
		UserID:      " user-42 ",
		Email:       "traveler@example.com",
		DisplayName: "Traveler",
	})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if !expiresAt.Equal(clockNow.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}

	claims, err := newTestValidator(t, clock).ValidateToken(token)
	if err != nil {
		t.Fatalf("validator rejected issued token: %v", err)
	}
	if claims.UserID != "user-42" || claims.UserDisplayName != "Traveler" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestTokenIssuerRequiresUserID(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "citycrew"})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.IssueSessionToken(context.Background(), Identity{}); err == nil {
		t.Fatalf("expected missing user id error")
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{Issuer: "citycrew"}); err == nil {
		t.Fatalf("expected missing secret error")
	}
	if _, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("s")}); err == nil {
		t.Fatalf("expected missing issuer error")
	}
}
