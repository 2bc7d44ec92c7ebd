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

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func newRouter(audience string, extra ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handlers := append([]gin.HandlerFunc{JWTMiddleware(testSecret, audience)}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		userID, _ := GetUserID(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"user": userID, "role": GetRole(c.Request.Context())})
	})
	router.GET("/protected", handlers...)
	return router
}

func serve(router *gin.Engine, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestJWTMiddlewareAcceptsValidToken(t *testing.T) {
	token := signToken(t, testSecret, Claims{Role: "citizen", RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"}})

	resp := serve(newRouter(""), token)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestJWTMiddlewareRejections(t *testing.T) {
	expired := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}}
	otherAudience := Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u", Audience: jwt.ClaimStrings{"other"}}}

	cases := map[string]struct {
		token    string
		audience string
	}{
		"missing header":  {token: ""},
		"wrong secret":    {token: signToken(t, "other", Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u"}})},
		"expired":         {token: signToken(t, testSecret, expired)},
		"missing subject": {token: signToken(t, testSecret, Claims{Role: RoleAdmin})},
		"wrong audience":  {token: signToken(t, testSecret, otherAudience), audience: "oceanwatch"},
	}
	for name, tc := range cases {
		resp := serve(newRouter(tc.audience), tc.token)
		if resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, resp.Code)
		}
	}
}

func TestRequireRole(t *testing.T) {
	router := newRouter("", RequireRole(RoleAdmin))

	citizen := signToken(t, testSecret, Claims{Role: "citizen", RegisteredClaims: jwt.RegisteredClaims{Subject: "u"}})
	if resp := serve(router, citizen); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for citizen, got %d", resp.Code)
	}

	noRole := signToken(t, testSecret, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u"}})
	if resp := serve(router, noRole); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without role, got %d", resp.Code)
	}

	admin := signToken(t, testSecret, Claims{Role: RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{Subject: "u"}})
	if resp := serve(router, admin); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", resp.Code)
	}
}
