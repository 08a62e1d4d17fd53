package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"bitbucket.org/mmdatafocus/qms_backend/utils"
)

func testRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware())
	r.GET("/open", func(c *gin.Context) {
		name, _ := utils.GetActorNameFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"actor": name})
	})
	protected := r.Group("/", RequireAuth())
	protected.GET("/secure", func(c *gin.Context) {
		if token, ok := utils.GetTokenFromContext(c.Request.Context()); !ok || token == "" {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token missing from context"})
			return
		}
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	token, err := utils.JwtGenerate(7, "Jordan Diaz", "operator")
	if err != nil {
		t.Fatalf("JwtGenerate: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	testRouter().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestAuthMiddleware_NoTokenPassesThrough(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/open", nil)
	testRouter().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestAuthMiddleware_RejectsBadToken(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/open", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	testRouter().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", w.Code)
	}
}

func TestRequireAuth_RejectsAnonymous(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	testRouter().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", w.Code)
	}
}

func TestCorrelationMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CorrelationMiddleware())
	r.GET("/", func(c *gin.Context) {
		cid, ok := utils.GetCorrelationIdFromContext(c.Request.Context())
		if !ok || cid == "" {
			t.Error("correlation id missing from context")
		}
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-Id", "cid-123")
	r.ServeHTTP(w, req)
	if got := w.Header().Get("X-Correlation-Id"); got != "cid-123" {
		t.Errorf("echoed correlation id = %q", got)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Header().Get("X-Correlation-Id") == "" {
		t.Error("correlation id should be minted when absent")
	}
}
