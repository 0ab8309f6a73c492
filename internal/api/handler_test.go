package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseLimit_Default(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/timestamps", nil)

	limit, err := parseLimit(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, limit)
	}
}

func TestParseLimit_CustomValue(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/timestamps?limit=50", nil)

	limit, err := parseLimit(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limit != 50 {
		t.Errorf("expected limit 50, got %d", limit)
	}
}

func TestParseLimit_ClampsToMax(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/timestamps?limit=2000", nil)

	limit, err := parseLimit(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limit != MaxLimit {
		t.Errorf("expected limit clamped to %d, got %d", MaxLimit, limit)
	}
}

func TestParseLimit_NegativeRejected(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/timestamps?limit=-1", nil)

	if _, err := parseLimit(req); err == nil {
		t.Fatal("expected error for negative limit, got nil")
	}
}

func TestParseLimit_NonNumericRejected(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/timestamps?limit=abc", nil)

	if _, err := parseLimit(req); err == nil {
		t.Fatal("expected error for non-numeric limit, got nil")
	}
}

func TestParseLimit_ZeroMeansDefault(t *testing.T) {
	// limit=0 should be treated as "use default"
	req := httptest.NewRequest(http.MethodGet, "/timestamps?limit=0", nil)

	limit, err := parseLimit(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limit != DefaultLimit {
		t.Errorf("expected default limit %d for limit=0, got %d", DefaultLimit, limit)
	}
}
