package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newIssuer(t *testing.T) *TokenIssuer {
	t.Helper()
	ti, err := NewTokenIssuer(testSecret, "https://domains.test", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	return ti
}

func TestIssueVerify_RoundTrip(t *testing.T) {
	ti := newIssuer(t)
	tok, err := ti.Issue("acct-42")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := ti.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.OwnerID() != "acct-42" {
		t.Errorf("owner = %q, want acct-42", claims.OwnerID())
	}
	if claims.Type != TokenTypeOwner {
		t.Errorf("type = %q", claims.Type)
	}
}

func TestNewTokenIssuer_ShortSecret(t *testing.T) {
	if _, err := NewTokenIssuer([]byte("short"), "x", time.Hour); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestVerify_Rejects(t *testing.T) {
	ti := newIssuer(t)

	expired, err := ti.IssueWithTTL("acct-1", -time.Minute)
	if err != nil {
		t.Fatalf("IssueWithTTL: %v", err)
	}
	other, _ := NewTokenIssuer(testSecret, "https://elsewhere.test", time.Hour)
	foreign, _ := other.Issue("acct-1")
	wrongKey, _ := NewTokenIssuer([]byte("ffffffffffffffffffffffffffffffff"), "https://domains.test", time.Hour)
	forged, _ := wrongKey.Issue("acct-1")

	wrongType := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://domains.test",
			Subject:   "acct-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Type: "agent",
	})
	wrongTypeStr, _ := wrongType.SignedString(testSecret)

	cases := map[string]string{
		"expired":   expired,
		"issuer":    foreign,
		"signature": forged,
		"type":      wrongTypeStr,
		"garbage":   "not-a-jwt",
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ti.Verify(tok); err == nil {
				t.Error("expected verification failure")
			}
		})
	}
}

func TestRequireOwner(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ti := newIssuer(t)

	r := gin.New()
	r.GET("/me", RequireOwner(ti), func(c *gin.Context) {
		c.String(http.StatusOK, OwnerFromCtx(c))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", w.Code)
	}
	var env map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env["code"] != "UNAUTHORIZED" || env["success"] != false {
		t.Errorf("envelope = %v", env)
	}

	tok, _ := ti.Issue("acct-7")
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "acct-7" {
		t.Errorf("status = %d body = %q", w.Code, w.Body.String())
	}
}
