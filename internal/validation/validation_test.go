package validation

import (
	"strings"
	"testing"
)

func TestIsValidAccount(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"neutron1payeraaa", true},
		{"neutron1qypqxpq9qcrsszg2pvxq6rs0zqg3yyc5lzv7xu", true},
		{"toolpay1escrowvault", true},
		{"cosmos1abcdefgh", true},

		// Invalid cases
		{"Neutron1payeraaa", false}, // uppercase hrp
		{"neutron1PAYER", false},    // uppercase data
		{"neutron", false},          // no separator
		{"1payeraaa", false},        // no hrp
		{"neutron1abc", false},      // data too short
		{"", false},
		{"0x1234567890123456789012345678901234567890", false},
	}

	for _, tc := range tests {
		result := IsValidAccount(tc.addr)
		if result != tc.valid {
			t.Errorf("IsValidAccount(%q) = %v, want %v", tc.addr, result, tc.valid)
		}
	}
}

func TestIsValidToolID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"summarizer", true},
		{"gpt-proxy", true},
		{"tool_01", true},

		{"", false},
		{"-leading", false},
		{"UPPER", false},
		{"has space", false},
	}

	for _, tc := range tests {
		result := IsValidToolID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidToolID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestIsValidEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		valid    bool
	}{
		{"https://api.example.com/v1", true},
		{"https://x.io", true},

		{"http://api.example.com", false},
		{"ftp://api.example.com", false},
		{"api.example.com", false},
		{"https://" + strings.Repeat("a", MaxEndpointLength), false}, // over limit with prefix
	}

	for _, tc := range tests {
		result := IsValidEndpoint(tc.endpoint)
		if result != tc.valid {
			t.Errorf("IsValidEndpoint(%q) = %v, want %v", tc.endpoint, result, tc.valid)
		}
	}
}

func TestSanitizeAccount(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"neutron1payeraaa", "neutron1payeraaa"},
		{"  neutron1payeraaa  ", "neutron1payeraaa"},
		{"NEUTRON1PAYERAAA", "neutron1payeraaa"},
	}

	for _, tc := range tests {
		result := SanitizeAccount(tc.input)
		if result != tc.expected {
			t.Errorf("SanitizeAccount(%q) = %q, want %q", tc.input, result, tc.expected)
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
		Required("name", "summarizer"),
		ValidAccount("address", "neutron1payeraaa"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("name", ""),
		ValidAccount("address", "invalid"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"1", true},
		{"100", true},
		{"999999999999999999999", true},

		// Invalid
		{"0", false},
		{"000", false},
		{"1.5", false},
		{"abc", false},
		{"-1", false},
		{"1e6", false},
	}

	for _, tc := range tests {
		err := ValidAmount("amount", tc.value)()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("ValidAmount(%q) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}
