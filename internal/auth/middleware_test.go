package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func newRouter(secret, audience string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/protected", JWTMiddleware(secret, audience), func(c *gin.Context) {
		subject, _ := Subject(c.Request.Context())
		c.String(http.StatusOK, subject)
	})
	return router
}

func signToken(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func serve(router *gin.Engine, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestMiddlewareDisabledWithoutSecret(t *testing.T) {
	if resp := serve(newRouter("", ""), ""); resp.Code != http.StatusOK {
		t.Fatalf("expected pass-through, got %d", resp.Code)
	}
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	token := signToken(t, jwt.RegisteredClaims{Subject: "analyst", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	resp := serve(newRouter(testSecret, ""), "Bearer "+token)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if resp.Body.String() != "analyst" {
		t.Fatalf("expected subject in context, got %q", resp.Body.String())
	}
}

func TestMiddlewareRejectsBadRequests(t *testing.T) {
	expired := signToken(t, jwt.RegisteredClaims{Subject: "analyst", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))})
	noSubject := signToken(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})

	cases := map[string]string{
		"missing header": "",
		"wrong scheme":   "Basic abc",
		"empty token":    "Bearer ",
		"garbage":        "Bearer not-a-token",
		"expired":        "Bearer " + expired,
		"no subject":     "Bearer " + noSubject,
	}
	router := newRouter(testSecret, "")
	for name, header := range cases {
		if resp := serve(router, header); resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, resp.Code)
		}
	}
}

func TestMiddlewareChecksAudience(t *testing.T) {
	token := signToken(t, jwt.RegisteredClaims{
		Subject:   "analyst",
		Audience:  jwt.ClaimStrings{"other"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	resp := serve(newRouter(testSecret, "authenticite"), "Bearer "+token)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}
