package auth

import (
	"testing"
	"time"
)

func TestChallengeLifecycle(t *testing.T) {
	mgr := NewManager("secret")
	id, code, expires, err := mgr.CreateChallenge("user-42")
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	if expires.Before(time.Now()) {
		t.Fatalf("expires in past")
	}
	userID, err := mgr.VerifyChallenge(id, code)
	if err != nil {
		t.Fatalf("VerifyChallenge: %v", err)
	}
	if userID != "user-42" {
		t.Fatalf("unexpected user id %s", userID)
	}
	if _, err := mgr.VerifyChallenge(id, code); err == nil {
		t.Fatalf("expected error after challenge consumed")
	}
}

func TestChallengeWrongCode(t *testing.T) {
	mgr := NewManager("secret")
	id, _, _, err := mgr.CreateChallenge("user-42")
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	if _, err := mgr.VerifyChallenge(id, "000000"); err == nil {
		t.Fatalf("expected error for wrong code")
	}
}

func TestTokenValidation(t *testing.T) {
	mgr := NewManager("secret")
	token, err := mgr.IssueToken("user-42", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	userID, err := mgr.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if userID != "user-42" {
		t.Fatalf("unexpected user id %s", userID)
	}
}

func TestExpiredToken(t *testing.T) {
	mgr := NewManager("secret")
	token, err := mgr.IssueToken("user-42", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := mgr.ValidateToken(token); err == nil {
		t.Fatalf("expected expiration error")
	}
}

func TestTokenTamperRejected(t *testing.T) {
	mgr := NewManager("secret")
	token, err := mgr.IssueToken("user-42", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := NewManager("other").ValidateToken(token); err == nil {
		t.Fatalf("token accepted under wrong secret")
	}
	if _, err := mgr.ValidateToken(token + "x"); err == nil {
		t.Fatalf("mangled token accepted")
	}
}
