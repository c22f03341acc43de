package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mlplatform/console-backend/internal/auth"
	"github.com/mlplatform/console-backend/internal/db/models"
)

type fakeValidator struct {
	claims map[string]*auth.Claims
}

func (f fakeValidator) Validate(token string) (*auth.Claims, error) {
	if c, ok := f.claims[token]; ok {
		return c, nil
	}
	return nil, errors.New("invalid token")
}

type fakeUsers struct {
	users map[string]*models.User
	err   error
}

func (f fakeUsers) GetUserByID(_ context.Context, id string) (*models.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.users[id], nil
}

func testAuthDeps(status models.UserStatus) (fakeValidator, fakeUsers) {
	v := fakeValidator{claims: map[string]*auth.Claims{
		"good":  {UserID: "u1", Email: "ada@example.com"},
		"ghost": {UserID: "missing"},
	}}
	u := fakeUsers{users: map[string]*models.User{
		"u1": {ID: "u1", Email: "ada@example.com", Status: status},
	}}
	return v, u
}

func newSessionRouter(v SessionValidator, u UserLoader, extra ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(SessionAuth(v, u))
	r.Use(extra...)
	handler := func(c *gin.Context) {
		c.String(http.StatusOK, CurrentUser(c).ID)
	}
	r.GET("/api/v1/me", handler)
	r.GET("/api/v1/billing/usage", handler)
	r.GET("/api/v1/clusters", handler)
	return r
}

func doGet(r *gin.Engine, path, authz string, cookie *http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSessionAuth(t *testing.T) {
	v, u := testAuthDeps(models.UserStatusActive)
	r := newSessionRouter(v, u)

	tests := []struct {
		name   string
		authz  string
		cookie *http.Cookie
		want   int
	}{
		{"bearer token", "Bearer good", nil, http.StatusOK},
		{"session cookie", "", &http.Cookie{Name: SessionCookieName, Value: "good"}, http.StatusOK},
		{"missing", "", nil, http.StatusUnauthorized},
		{"wrong scheme", "Basic Zm9vOmJhcg==", nil, http.StatusUnauthorized},
		{"empty bearer", "Bearer ", nil, http.StatusUnauthorized},
		{"invalid token", "Bearer nope", nil, http.StatusUnauthorized},
		{"unknown user", "Bearer ghost", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doGet(r, "/api/v1/clusters", tt.authz, tt.cookie)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
			if tt.want == http.StatusOK && w.Body.String() != "u1" {
				t.Errorf("body = %q, want current user id", w.Body.String())
			}
		})
	}
}

func TestSessionAuth_LoadError(t *testing.T) {
	v, _ := testAuthDeps(models.UserStatusActive)
	r := newSessionRouter(v, fakeUsers{err: errors.New("db down")})

	if w := doGet(r, "/api/v1/clusters", "Bearer good", nil); w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestRequireActiveAccount(t *testing.T) {
	exempt := []string{"/api/v1/me", "/api/v1/billing"}

	tests := []struct {
		status models.UserStatus
		path   string
		want   int
	}{
		{models.UserStatusActive, "/api/v1/clusters", http.StatusOK},
		{models.UserStatusSuspended, "/api/v1/clusters", http.StatusForbidden},
		{models.UserStatusDeleted, "/api/v1/clusters", http.StatusForbidden},
		{models.UserStatusSuspended, "/api/v1/me", http.StatusOK},
		{models.UserStatusSuspended, "/api/v1/billing/usage", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(string(tt.status)+" "+tt.path, func(t *testing.T) {
			v, u := testAuthDeps(tt.status)
			r := newSessionRouter(v, u, RequireActiveAccount(exempt...))
			if w := doGet(r, tt.path, "Bearer good", nil); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestRequireActiveAccount_PrefixIsPathBoundary(t *testing.T) {
	v, u := testAuthDeps(models.UserStatusSuspended)
	r := gin.New()
	r.Use(SessionAuth(v, u), RequireActiveAccount("/api/v1/me"))
	r.GET("/api/v1/members", func(c *gin.Context) { c.Status(http.StatusOK) })

	if w := doGet(r, "/api/v1/members", "Bearer good", nil); w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 for a path that only shares a string prefix", w.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	isAdmin := func(email string) bool { return email == "ada@example.com" }

	v, u := testAuthDeps(models.UserStatusActive)
	r := newSessionRouter(v, u, RequireAdmin(isAdmin))
	if w := doGet(r, "/api/v1/clusters", "Bearer good", nil); w.Code != http.StatusOK {
		t.Errorf("admin status = %d, want 200", w.Code)
	}

	r = newSessionRouter(v, u, RequireAdmin(func(string) bool { return false }))
	if w := doGet(r, "/api/v1/clusters", "Bearer good", nil); w.Code != http.StatusForbidden {
		t.Errorf("non-admin status = %d, want 403", w.Code)
	}

	v, u = testAuthDeps(models.UserStatusSuspended)
	r = newSessionRouter(v, u, RequireAdmin(isAdmin))
	if w := doGet(r, "/api/v1/clusters", "Bearer good", nil); w.Code != http.StatusForbidden {
		t.Errorf("suspended admin status = %d, want 403", w.Code)
	}
}

func TestCronAuth(t *testing.T) {
	newRouter := func(secret string) *gin.Engine {
		r := gin.New()
		r.POST("/api/cron/repair", CronAuth(secret), func(c *gin.Context) { c.Status(http.StatusNoContent) })
		return r
	}
	post := func(r *gin.Engine, authz string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/cron/repair", nil)
		if authz != "" {
			req.Header.Set("Authorization", authz)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	r := newRouter("s3cret")
	if got := post(r, "Bearer s3cret"); got != http.StatusNoContent {
		t.Errorf("valid secret status = %d", got)
	}
	if got := post(r, "Bearer wrong"); got != http.StatusUnauthorized {
		t.Errorf("wrong secret status = %d", got)
	}
	if got := post(r, ""); got != http.StatusUnauthorized {
		t.Errorf("missing secret status = %d", got)
	}
	if got := post(newRouter(""), "Bearer "); got != http.StatusServiceUnavailable {
		t.Errorf("unconfigured status = %d, want 503", got)
	}
}
