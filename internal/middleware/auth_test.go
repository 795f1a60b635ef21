package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukerupert/goaltrack/internal/auth"
	"github.com/dukerupert/goaltrack/internal/model"
)

const testSecret = "test-secret-at-least-32-bytes-long!"

func issue(t *testing.T, v *auth.Verifier, id string) string {
	t.Helper()
	token, err := v.Issue(model.UserProfile{ID: id, Email: id + "@example.com"}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return token
}

// echoUser writes the user id found in the context, or "-".
var echoUser = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if id := auth.UserID(r.Context()); id != "" {
		w.Write([]byte(id))
		return
	}
	w.Write([]byte("-"))
})

func TestAuthenticateNoToken(t *testing.T) {
	handler := Authenticate(auth.NewVerifier(testSecret))(echoUser)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/goals", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body := rec.Body.String(); body != "-" {
		t.Errorf("body = %q, want %q", body, "-")
	}
}

func TestAuthenticateBearer(t *testing.T) {
	v := auth.NewVerifier(testSecret)
	handler := Authenticate(v)(echoUser)

	req := httptest.NewRequest("GET", "/api/goals", nil)
	req.Header.Set("Authorization", "Bearer "+issue(t, v, "user-1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body := rec.Body.String(); body != "user-1" {
		t.Errorf("body = %q, want %q", body, "user-1")
	}
}

func TestAuthenticateQueryToken(t *testing.T) {
	v := auth.NewVerifier(testSecret)
	handler := Authenticate(v)(echoUser)

	req := httptest.NewRequest("GET", "/ws?access_token="+issue(t, v, "user-2"), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if body := rec.Body.String(); body != "user-2" {
		t.Errorf("body = %q, want %q", body, "user-2")
	}
}

func TestAuthenticateInvalidToken(t *testing.T) {
	handler := Authenticate(auth.NewVerifier(testSecret))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach handler")
	}))

	other := auth.NewVerifier("another-secret-that-is-also-long!!")
	for name, header := range map[string]string{
		"garbage":   "Bearer not-a-jwt",
		"wrong key": "Bearer " + issue(t, other, "user-1"),
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/goals", nil)
			req.Header.Set("Authorization", header)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestRequireUser(t *testing.T) {
	v := auth.NewVerifier(testSecret)
	handler := Authenticate(v)(RequireUser(echoUser))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/backups", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	req := httptest.NewRequest("GET", "/api/backups", nil)
	req.Header.Set("Authorization", "Bearer "+issue(t, v, "user-3"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("signed-in status = %d, want %d", rec.Code, http.StatusOK)
	}
}
