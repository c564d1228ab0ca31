package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestNormalizeBase(t *testing.T) {
	for in, want := range map[string]string{
		"":        "",
		"/":       "",
		"api":     "/api",
		"/api/":   "/api",
		" /api ":  "/api",
		"/a/b//":  "/a/b",
		"//root/": "/root",
	} {
		if got := normalizeBase(in); got != want {
			t.Errorf("normalizeBase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidName(t *testing.T) {
	for _, s := range []string{"web", "getty@tty1", "web.worker-2", "A_1"} {
		if !validName(s) {
			t.Errorf("%q should be accepted", s)
		}
	}
	for _, s := range []string{"", "..", "a..b", "a/b", `a\b`, "a b", "x*", "한글", strings.Repeat("a", 256)} {
		if validName(s) {
			t.Errorf("%q should be rejected", s)
		}
	}
}

func TestServiceNameRejectsInvalid(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/s/:name", func(c *gin.Context) {
		if name, ok := serviceName(c); ok {
			writeJSON(c, http.StatusOK, okResp{OK: true, Message: name})
		}
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/s/a..b", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q", ct)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/s/web", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"message":"web"`) {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}
