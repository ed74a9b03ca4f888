package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"usr_123", true},
		{"esc_0a1b2c", true},
		{"seller:lagos.42", true},
		{"a", true},

		// Invalid cases
		{"", false},
		{"_leading", false},
		{"has space", false},
		{"semi;colon", false},
	}

	for _, tc := range tests {
		if got := IsValidIdentifier(tc.id); got != tc.valid {
			t.Errorf("IsValidIdentifier(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestIsValidCurrency(t *testing.T) {
	for _, ok := range []string{"NGN", "USD", "KES"} {
		if !IsValidCurrency(ok) {
			t.Errorf("expected %q to be valid", ok)
		}
	}
	for _, bad := range []string{"", "ngn", "NG", "NGNX", "N1N"} {
		if IsValidCurrency(bad) {
			t.Errorf("expected %q to be invalid", bad)
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
		{"he\x00llo", 10, "hello"},
		{"line\none\ttab\x1b[31m", 40, "line\none\ttab[31m"},
		{"naïve", 3, "na"},
		{"₦5000 deposit", 3, "₦"},
	}

	for _, tc := range tests {
		if got := SanitizeString(tc.input, tc.maxLen); got != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expected)
		}
	}
}

func TestPositiveAmount(t *testing.T) {
	if err := PositiveAmount("amount", decimal.NewFromInt(1))(); err != nil {
		t.Errorf("expected positive amount to pass, got %v", err)
	}
	if err := PositiveAmount("amount", decimal.Zero)(); err == nil {
		t.Error("expected zero amount to fail")
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("buyerId", ""),
		Distinct("sellerId", "u1", "U1"),
		ValidCurrency("currency", "naira"),
		MaxLength("description", "abcdef", 3),
	)
	if len(errs) != 4 {
		t.Fatalf("expected 4 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() != "buyerId: is required" {
		t.Errorf("unexpected first error: %s", errs.Error())
	}
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/escrows/:id", IDParamMiddleware("id"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/escrows/esc_abc", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for valid id, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/escrows/%3Bdrop", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid id, got %d", w.Code)
	}
}
