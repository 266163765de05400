package webhook

import (
	"errors"
	"testing"
)

func TestSignRoundTrip(t *testing.T) {
	s := NewSigner("topsecret")
	body := []byte(`{"message_id":"m1"}`)
	if err := s.Verify(body, s.Sign(body)); err != nil {
		t.Fatalf("Verify own signature: %v", err)
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	s := NewSigner("topsecret")
	sig := s.Sign([]byte(`{"message_id":"m1"}`))
	if err := s.Verify([]byte(`{"message_id":"m2"}`), sig); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"message_id":"m1"}`)
	sig := NewSigner("one").Sign(body)
	if err := NewSigner("two").Verify(body, sig); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerifyRejectsMissingOrGarbageSignature(t *testing.T) {
	s := NewSigner("topsecret")
	body := []byte(`{}`)
	if err := s.Verify(body, ""); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("empty signature accepted: %v", err)
	}
	if err := s.Verify(body, "not-hex-at-all"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("non-hex signature accepted: %v", err)
	}
}

func TestNewSignerEmptySecretPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on empty secret")
		}
	}()
	NewSigner("")
}
