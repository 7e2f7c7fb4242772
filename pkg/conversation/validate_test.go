package conversation

import (
	"strings"
	"testing"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/errorsx"
)

func TestValidateInputAccepts(t *testing.T) {
	ok := []string{
		"hello",
		"I need help with my policy POL123456",
		"my number is 555-123-4567!",
	}
	for _, in := range ok {
		if err := ValidateInput(in, 0); err != nil {
			t.Errorf("ValidateInput(%q) = %v, want nil", in, err)
		}
	}
}

func TestValidateInputRejects(t *testing.T) {
	cases := []struct {
		name   string
		input  string
		reason errorsx.ReasonCode
	}{
		{"empty", "   ", errorsx.ReasonInputEmpty},
		{"oversized", strings.Repeat("word ", 300), errorsx.ReasonInputTooLong},
		{"script tag", `hello <script>alert(1)</script>`, errorsx.ReasonInputMalformed},
		{"javascript url", "click javascript:alert(1)", errorsx.ReasonInputMalformed},
		{"special char flood", "@#$%^&*()!@#$%^&*()", errorsx.ReasonInputMalformed},
		{"repeated chars", "aaaaaaaaaaaaaaaa", errorsx.ReasonInputMalformed},
	}
	for _, tc := range cases {
		err := ValidateInput(tc.input, 0)
		if err == nil {
			t.Errorf("%s: ValidateInput accepted %q", tc.name, tc.input)
			continue
		}
		if got := errorsx.Reason(err); got != tc.reason {
			t.Errorf("%s: reason = %s, want %s", tc.name, got, tc.reason)
		}
	}
}

func TestRejectionMessageIsConversational(t *testing.T) {
	err := ValidateInput(strings.Repeat("word ", 300), 0)
	if msg := RejectionMessage(err); msg != "Message is too long. Please keep it under 1000 characters." {
		t.Fatalf("too-long message = %q", msg)
	}
	err = ValidateInput("<script>x</script>", 0)
	if msg := RejectionMessage(err); msg != "Invalid input detected. Please enter a normal message." {
		t.Fatalf("malformed message = %q", msg)
	}
}

func TestSanitizeInput(t *testing.T) {
	got := SanitizeInput("  hello\x00   world\n\n again  ", 0)
	if got != "hello world again" {
		t.Fatalf("SanitizeInput = %q", got)
	}
	long := strings.Repeat("a b ", 400)
	if n := len([]rune(SanitizeInput(long, 0))); n > DefaultMaxInputChars {
		t.Fatalf("sanitized length = %d, want <= %d", n, DefaultMaxInputChars)
	}
}

func TestValidateFactField(t *testing.T) {
	cases := []struct {
		field string
		value string
		want  bool
	}{
		{FactName, "Bob Anderson", true},
		{FactName, "B", false},
		{FactName, "Bob123", false},
		{FactPolicyNumber, "POL123456", true},
		{FactPolicyNumber, "AB-123456", true},
		{FactPolicyNumber, "POL12", false},
		{FactPolicyNumber, "not a policy!", false},
		{FactContact, "bob@example.com", true},
		{FactContact, "555-123-4567", true},
		{FactContact, "5551234567", true},
		{FactContact, "call me maybe", false},
		{FactInquiryType, "support", true},
		{FactInquiryType, "QUOTE", true},
		{FactInquiryType, "weather", false},
	}
	for _, tc := range cases {
		if got := ValidateFactField(tc.field, tc.value); got != tc.want {
			t.Errorf("ValidateFactField(%s, %q) = %v, want %v", tc.field, tc.value, got, tc.want)
		}
	}
}
