package crypto

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ismaeldosil/valerie-gateway/internal/domain"
)

func sampleSession() *domain.Session {
	return &domain.Session{
		ID:       "s1",
		TenantID: "t1",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "hello"},
			{Role: domain.RoleAssistant, Content: "こんにちは世界"},
		},
		CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 8, 1, 12, 1, 0, 0, time.UTC),
	}
}

func TestNewSealer(t *testing.T) {
	if _, err := NewSealer(""); !errors.Is(err, ErrEmptyPassphrase) {
		t.Fatalf("NewSealer(\"\") error = %v, want ErrEmptyPassphrase", err)
	}
	for _, passphrase := range []string{"my-secret-key", strings.Repeat("a", 100)} {
		if _, err := NewSealer(passphrase); err != nil {
			t.Fatalf("NewSealer(%q) error = %v", passphrase, err)
		}
	}
}

func TestSealer_RoundTrip(t *testing.T) {
	sealer, err := NewSealer("test-encryption-key")
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}

	want := sampleSession()
	sealed, err := sealer.Seal(want)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if strings.Contains(sealed, "hello") {
		t.Error("sealed document leaks plaintext content")
	}

	got, err := sealer.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got.ID != want.ID || got.TenantID != want.TenantID {
		t.Errorf("Open() = %+v, want %+v", got, want)
	}
	if len(got.Messages) != 2 || got.Messages[1].Content != "こんにちは世界" {
		t.Errorf("messages did not survive the round trip: %+v", got.Messages)
	}
}

func TestSealer_FreshNoncePerSeal(t *testing.T) {
	sealer, _ := NewSealer("test-key")
	sess := sampleSession()

	first, _ := sealer.Seal(sess)
	second, _ := sealer.Seal(sess)
	if first == second {
		t.Error("two seals of the same session produced identical ciphertexts")
	}
}

func TestSealer_OpenRejectsMalformedDocuments(t *testing.T) {
	sealer, _ := NewSealer("test-key")

	tests := []struct {
		name   string
		sealed string
	}{
		{"invalid base64", "not-valid-base64!!!"},
		{"shorter than a nonce", "YWJj"},
		{"tampered", "dGFtcGVyZWQgZGF0YSB0aGF0IGlzIGxvbmcgZW5vdWdo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := sealer.Open(tt.sealed); err == nil {
				t.Error("Open() accepted a malformed document")
			}
		})
	}
}

func TestSealer_WrongPassphraseFailsAuthentication(t *testing.T) {
	sealer, _ := NewSealer("key1")
	other, _ := NewSealer("key2")

	sealed, _ := sealer.Seal(sampleSession())
	if _, err := other.Open(sealed); err == nil {
		t.Error("Open() under a different passphrase should fail")
	}
}

func BenchmarkSeal(b *testing.B) {
	sealer, _ := NewSealer("benchmark-key")
	sess := sampleSession()
	for i := 0; i < b.N; i++ {
		sealer.Seal(sess)
	}
}

func BenchmarkOpen(b *testing.B) {
	sealer, _ := NewSealer("benchmark-key")
	sealed, _ := sealer.Seal(sampleSession())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sealer.Open(sealed)
	}
}
