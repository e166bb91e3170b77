package http

import (
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return string(hash)
}

func TestIssueToken_RejectsUnknownUser(t *testing.T) {
	hash := mustHash(t, "correcthorse")
	_, err := IssueToken("secret", "operator", hash, "intruder", "correcthorse")
	if err == nil {
		t.Fatal("expected error for unknown user")
	}
}

func TestIssueToken_RejectsWrongPassword(t *testing.T) {
	hash := mustHash(t, "correcthorse")
	_, err := IssueToken("secret", "operator", hash, "operator", "wrong")
	if err == nil {
		t.Fatal("expected error for wrong password")
	}
}

func TestIssueToken_SucceedsWithCorrectCredentials(t *testing.T) {
	hash := mustHash(t, "correcthorse")
	token, err := IssueToken("secret", "operator", hash, "operator", "correcthorse")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc.def.ghi", "abc.def.ghi"},
		{"bearer abc.def.ghi", "abc.def.ghi"},
		{"Basic abc", ""},
		{"Bearer", ""},
	}
	for _, tc := range cases {
		if got := extractBearerToken(tc.header); got != tc.want {
			t.Errorf("extractBearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}
