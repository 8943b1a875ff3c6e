package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirbex/Digital-Shop-sub002/internal/domain"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	api := newTestAPI(t, &fakeLedger{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if got := res.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options nosniff, got %q", got)
	}
	if got := res.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected X-Frame-Options DENY, got %q", got)
	}
	if got := res.Header().Get("Referrer-Policy"); got == "" {
		t.Fatalf("expected Referrer-Policy to be set")
	}
}

func TestMiddlewareAssignsRequestID(t *testing.T) {
	api := newTestAPI(t, &fakeLedger{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	if got := res.Header().Get("X-Request-ID"); len(got) != 36 {
		t.Fatalf("expected generated uuid request id, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "till-7-000123")
	res = httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	if got := res.Header().Get("X-Request-ID"); got != "till-7-000123" {
		t.Fatalf("expected caller request id to be echoed, got %q", got)
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	api := newTestAPI(t, &fakeLedger{})
	veryLong := strings.Repeat("a", maxBodyBytes+1024)
	body := `{"payment_method":"cash","notes":"` + veryLong + `"}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, api, RoleCashier))
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too large body, got %d", res.Code)
	}
}

func TestWrongMethodIsRejected(t *testing.T) {
	api := newTestAPI(t, &fakeLedger{})
	res := doJSON(t, api, http.MethodDelete, "/api/v1/sales/sal-1", tokenFor(t, api, RoleAdmin), nil)
	if res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", res.Code)
	}
}

func TestManagerPINRateLimitReturns429(t *testing.T) {
	ledger := &fakeLedger{}
	api := newTestAPI(t, ledger)
	token := tokenFor(t, api, RoleManager)
	req := domain.VoidSaleRequest{Reason: "test", ManagerPIN: "000000"}

	for i := 0; i < 9; i++ {
		res := doJSON(t, api, http.MethodPost, "/api/v1/sales/sal-1/void", token, req)

		if i < 8 && res.Code != http.StatusForbidden {
			t.Fatalf("attempt %d expected 403 before pin limit, got %d", i+1, res.Code)
		}
		if i == 8 && res.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 9 expected 429, got %d", res.Code)
		}
	}
	if ledger.voids != 0 {
		t.Fatalf("expected no void to reach the ledger")
	}
}

func TestParsePositiveLimitCaps(t *testing.T) {
	if got := parsePositiveLimit("9999", 50, 200); got != 200 {
		t.Fatalf("expected capped limit 200, got %d", got)
	}
	if got := parsePositiveLimit("", 50, 200); got != 50 {
		t.Fatalf("expected fallback limit 50, got %d", got)
	}
	if got := parsePositiveLimit("invalid", 50, 200); got != 50 {
		t.Fatalf("expected fallback on invalid input, got %d", got)
	}
}
