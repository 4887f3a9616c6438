package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/authgateway/internal/platform/auth"
)

// mockRecorder collects audit entries for assertions.
type mockRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
	err     error
}

func (m *mockRecorder) RecordAccess(entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return m.err
}

func (m *mockRecorder) last() AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[len(m.entries)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func withUser(user auth.DomainUser) func(*http.Request) *http.Request {
	return func(r *http.Request) *http.Request {
		return r.WithContext(auth.WithUser(r.Context(), user, "tok"))
	}
}

func runAudit(t *testing.T, rec AuditRecorder, method, path string, handler echo.HandlerFunc, opts ...func(*http.Request) *http.Request) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("User-Agent", "test-agent/1.0")
	for _, opt := range opts {
		req = opt(req)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("request_id", "req-123")
	return Audit(zerolog.Nop(), rec)(handler)(c)
}

func TestAudit_AllowedRequest(t *testing.T) {
	rec := &mockRecorder{}
	user := auth.DomainUser{ID: "dr-1", Role: auth.RoleProvider, Specialty: auth.SpecialtyCardiology}

	err := runAudit(t, rec, http.MethodGet, "/api/v1/cardiology/patients", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}, withUser(user))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.count() != 1 {
		t.Fatalf("expected 1 entry, got %d", rec.count())
	}
	entry := rec.last()
	if entry.UserID != "dr-1" || entry.Role != auth.RoleProvider || entry.Specialty != auth.SpecialtyCardiology {
		t.Errorf("unexpected identity: %+v", entry)
	}
	if entry.Decision != DecisionAllowed || entry.StatusCode != http.StatusOK {
		t.Errorf("expected allowed/200, got %s/%d", entry.Decision, entry.StatusCode)
	}
	if entry.Action != "read" || entry.RequestID != "req-123" || entry.UserAgent != "test-agent/1.0" {
		t.Errorf("unexpected request fields: %+v", entry)
	}
}

func TestAudit_GuardDenial(t *testing.T) {
	rec := &mockRecorder{}
	user := auth.DomainUser{ID: "nurse-1", Role: auth.RoleNurse}

	guard := auth.RequireRole(auth.RoleAdmin)
	err := runAudit(t, rec, http.MethodPost, "/auth/revoke", guard(func(c echo.Context) error {
		t.Error("handler must not run")
		return nil
	}), withUser(user))
	if err == nil {
		t.Fatal("expected guard error to propagate")
	}

	entry := rec.last()
	if entry.Decision != DecisionDenied || entry.StatusCode != http.StatusForbidden {
		t.Errorf("expected denied/403, got %s/%d", entry.Decision, entry.StatusCode)
	}
	if entry.ErrorCode != auth.CodeInsufficientRole {
		t.Errorf("expected INSUFFICIENT_ROLE, got %s", entry.ErrorCode)
	}
	if entry.Action != "create" || entry.UserID != "nurse-1" {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestAudit_UnauthenticatedDenial(t *testing.T) {
	rec := &mockRecorder{}
	guard := auth.RequireVerifiedProvider()

	_ = runAudit(t, rec, http.MethodGet, "/api/v1/provider/schedule", guard(func(c echo.Context) error { return nil }))

	entry := rec.last()
	if entry.UserID != "" || entry.ErrorCode != auth.CodeAuthenticationRequired {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Decision != DecisionDenied || entry.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected denied/401, got %s/%d", entry.Decision, entry.StatusCode)
	}
}

func TestAudit_ServerError(t *testing.T) {
	rec := &mockRecorder{}
	_ = runAudit(t, rec, http.MethodDelete, "/emr/records/1", func(c echo.Context) error {
		return errors.New("upstream exploded")
	})

	entry := rec.last()
	if entry.Decision != DecisionError || entry.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected error/500, got %s/%d", entry.Decision, entry.StatusCode)
	}
	if entry.Action != "delete" {
		t.Errorf("expected delete action, got %s", entry.Action)
	}
}

func TestAudit_SkipsUnprotectedPaths(t *testing.T) {
	rec := &mockRecorder{}
	for _, path := range []string{"/health", "/metrics", "/apiary"} {
		_ = runAudit(t, rec, http.MethodGet, path, func(c echo.Context) error { return nil })
	}
	if rec.count() != 0 {
		t.Errorf("expected no audit entries, got %d", rec.count())
	}
}

func TestAudit_CustomPrefixes(t *testing.T) {
	rec := &mockRecorder{}
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/internal/x", nil), httptest.NewRecorder())

	_ = Audit(zerolog.Nop(), rec, "/internal/")(func(c echo.Context) error { return nil })(c)
	if rec.count() != 1 {
		t.Errorf("expected 1 entry, got %d", rec.count())
	}
}

func TestAudit_RecorderErrorDoesNotBreakRequest(t *testing.T) {
	rec := &mockRecorder{err: errors.New("disk full")}
	err := runAudit(t, rec, http.MethodGet, "/api/v1/me", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if err != nil {
		t.Fatalf("recorder failure must not fail the request: %v", err)
	}
}

func TestAudit_NilRecorderLogsOnly(t *testing.T) {
	err := runAudit(t, nil, http.MethodGet, "/api/v1/me", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHTTPMethodToAction(t *testing.T) {
	tests := map[string]string{
		http.MethodGet:     "read",
		http.MethodHead:    "read",
		http.MethodOptions: "read",
		http.MethodPost:    "create",
		http.MethodPut:     "update",
		http.MethodPatch:   "update",
		http.MethodDelete:  "delete",
	}
	for method, want := range tests {
		if got := httpMethodToAction(method); got != want {
			t.Errorf("httpMethodToAction(%s) = %s, want %s", method, got, want)
		}
	}
}

func TestAuditRecorderFunc(t *testing.T) {
	var got AuditEntry
	f := AuditRecorderFunc(func(entry AuditEntry) error {
		got = entry
		return nil
	})
	_ = f.RecordAccess(AuditEntry{UserID: "u"})
	if got.UserID != "u" {
		t.Errorf("expected entry to reach the function, got %+v", got)
	}
}
