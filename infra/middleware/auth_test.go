package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newAuthApp() *fiber.App {
	app := fiber.New()
	app.Use(JWTAuth(testSecret))
	app.Get("/whoami", func(c *fiber.Ctx) error {
		return c.SendString(c.Locals("user_id").(string))
	})
	return app
}

func TestJWTAuth(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{
			name: "valid token passes",
			authHeader: "Bearer " + signToken(t, testSecret, jwt.MapClaims{
				"sub": "user-1",
				"exp": now.Add(time.Hour).Unix(),
				"iat": now.Unix(),
			}),
			wantStatus: 200,
		},
		{
			name:       "missing header rejected",
			authHeader: "",
			wantStatus: 401,
		},
		{
			name:       "malformed header rejected",
			authHeader: "Bearer",
			wantStatus: 401,
		},
		{
			name: "wrong secret rejected",
			authHeader: "Bearer " + signToken(t, "other-secret", jwt.MapClaims{
				"sub": "user-1",
				"exp": now.Add(time.Hour).Unix(),
			}),
			wantStatus: 401,
		},
		{
			name: "expired token rejected",
			authHeader: "Bearer " + signToken(t, testSecret, jwt.MapClaims{
				"sub": "user-1",
				"exp": now.Add(-time.Hour).Unix(),
			}),
			wantStatus: 401,
		},
		{
			name: "future iat rejected",
			authHeader: "Bearer " + signToken(t, testSecret, jwt.MapClaims{
				"sub": "user-1",
				"exp": now.Add(2 * time.Hour).Unix(),
				"iat": now.Add(time.Hour).Unix(),
			}),
			wantStatus: 401,
		},
		{
			name: "missing sub rejected",
			authHeader: "Bearer " + signToken(t, testSecret, jwt.MapClaims{
				"exp": now.Add(time.Hour).Unix(),
			}),
			wantStatus: 401,
		},
	}

	app := newAuthApp()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/whoami", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestJWTAuthSetsUserID(t *testing.T) {
	app := newAuthApp()

	token := signToken(t, testSecret, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest("GET", "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 64)
	n, _ := resp.Body.Read(buf)
	if got := string(buf[:n]); got != "user-42" {
		t.Errorf("user_id = %q, want user-42", got)
	}
}

func TestJWTAuthSkipsPreflight(t *testing.T) {
	app := fiber.New()
	app.Use(JWTAuth(testSecret))
	app.Options("/whoami", func(c *fiber.Ctx) error { return c.SendStatus(204) })

	req := httptest.NewRequest("OPTIONS", "/whoami", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 204 {
		t.Errorf("status = %d, want 204 without a token", resp.StatusCode)
	}
}
