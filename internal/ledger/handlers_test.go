package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, store Store) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := NewHandler(New(store), NewAuditor(store))
	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("/admin"))
	return r
}

func doGet(t *testing.T, r *gin.Engine, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", path, nil)
	r.ServeHTTP(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestGetBalance(t *testing.T) {
	store := NewMemoryStore()
	_, _, err := store.Apply(context.Background(), "m1", 120, "admin_credit", "")
	require.NoError(t, err)

	r := newTestRouter(t, store)

	w, body := doGet(t, r, "/v1/members/m1/balance")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "m1", body["memberId"])
	assert.Equal(t, float64(120), body["balance"])

	// Unknown members read as zero, not 404.
	w, body = doGet(t, r, "/v1/members/nobody/balance")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["balance"])
}

func TestGetHistory(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, _, err := store.Apply(ctx, "m1", 100, "admin_credit", "")
	require.NoError(t, err)
	_, _, err = store.Apply(ctx, "m1", -30, "buy:premium_a", "")
	require.NoError(t, err)

	r := newTestRouter(t, store)

	w, body := doGet(t, r, "/v1/members/m1/transactions")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["count"])

	txns := body["transactions"].([]any)
	require.Len(t, txns, 2)
	// Newest first.
	first := txns[0].(map[string]any)
	assert.Equal(t, "buy:premium_a", first["reason"])

	// Limit query caps the page.
	_, body = doGet(t, r, "/v1/members/m1/transactions?limit=1")
	assert.Equal(t, float64(1), body["count"])
}

func TestAuditEndpoints(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, _, err := store.Apply(ctx, "m1", 100, "admin_credit", "")
	require.NoError(t, err)

	r := newTestRouter(t, store)

	w, body := doGet(t, r, "/v1/admin/audit")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["consistent"])

	w, body = doGet(t, r, "/v1/admin/audit/m1")
	assert.Equal(t, http.StatusOK, w.Code)
	report := body["report"].(map[string]any)
	assert.Equal(t, true, report["consistent"])
	assert.Equal(t, float64(100), report["balance"])
	assert.Equal(t, float64(100), report["sumDeltas"])
}
