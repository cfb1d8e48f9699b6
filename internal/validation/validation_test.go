package validation

import (
	"testing"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"esc_1a2b3c4d5e6f7a8b", true},
		{"pay_abcdef01", true},
		{"dsp_ABCDEF0123456789", true},

		// Invalid cases
		{"1a2b3c4d5e6f7a8b", false},    // No prefix
		{"esc_", false},                // Empty suffix
		{"esc_ab", false},              // Suffix too short
		{"ESC_1a2b3c4d5e6f7a8b", false}, // Uppercase prefix
		{"esc-1a2b3c4d5e6f7a8b", false}, // Wrong separator
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestIsValidCurrency(t *testing.T) {
	tests := []struct {
		code  string
		valid bool
	}{
		{"usd", true},
		{"lkr", true},
		{"eur", true},

		{"USD", false},
		{"us", false},
		{"usdd", false},
		{"u$d", false},
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidCurrency(tc.code)
		if result != tc.valid {
			t.Errorf("IsValidCurrency(%q) = %v, want %v", tc.code, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("name", "Nimali"),
		ValidCurrency("currency", "usd"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test missing required field
	errors = Validate(
		Required("name", ""),
		ValidCurrency("currency", "usd"),
	)
	if len(errors) != 1 {
		t.Fatalf("Expected 1 error, got %d", len(errors))
	}
	if errors[0].Field != "name" {
		t.Errorf("Expected error on field name, got %s", errors[0].Field)
	}

	// Test multiple failures collect
	errors = Validate(
		Required("payerId", ""),
		ValidCurrency("currency", "DOLLARS"),
		PositiveAmount("amount", 0),
	)
	if len(errors) != 3 {
		t.Errorf("Expected 3 errors, got %d: %v", len(errors), errors)
	}
}

func TestPositiveAmount(t *testing.T) {
	if err := PositiveAmount("amount", 2500)(); err != nil {
		t.Errorf("Expected 2500 to pass, got %v", err)
	}
	if err := PositiveAmount("amount", 0)(); err == nil {
		t.Error("Expected 0 to fail")
	}
	if err := PositiveAmount("amount", -1)(); err == nil {
		t.Error("Expected -1 to fail")
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("reason", "short", 10)(); err != nil {
		t.Errorf("Expected short string to pass, got %v", err)
	}
	if err := MaxLength("reason", "this string is definitely too long", 10)(); err == nil {
		t.Error("Expected long string to fail")
	}
}
