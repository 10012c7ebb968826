package purchase

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbranch/guildbank/internal/catalog"
)

func newTestRouter(t *testing.T, f *fixture) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cat, err := catalog.New([]catalog.Tier{
		{ID: "premium_a", Namespace: "premium", Name: "Premium A", Price: 50, Duration: 720 * time.Hour, Rank: 1},
		{ID: "premium_b", Namespace: "premium", Name: "Premium B", Price: 100, Duration: 720 * time.Hour, Rank: 2},
		{ID: "color_red", Namespace: "color", Name: "Red", Price: 25, Duration: 168 * time.Hour, Rank: 1},
	})
	require.NoError(t, err)

	r := gin.New()
	h := NewHandler(f.service, cat, f.grants)
	h.RegisterRoutes(r.Group("/v1"))
	return r
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_Buy(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "m1", 150)
	r := newTestRouter(t, f)

	w := doJSON(r, "POST", "/v1/members/m1/buy", TierRequest{TierID: "premium_a"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Receipt Receipt `json:"receipt"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "buy", resp.Receipt.Op)
	assert.Equal(t, int64(100), resp.Receipt.NewBalance)
}

func TestHandler_Buy_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "m1", 10)
	r := newTestRouter(t, f)

	w := doJSON(r, "POST", "/v1/members/m1/buy", TierRequest{TierID: "premium_a"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient_funds")
}

func TestHandler_Buy_UnknownTier(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "m1", 100)
	r := newTestRouter(t, f)

	w := doJSON(r, "POST", "/v1/members/m1/buy", TierRequest{TierID: "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "unknown_tier")
}

func TestHandler_Buy_MissingBody(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f)

	w := doJSON(r, "POST", "/v1/members/m1/buy", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Cancel(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "m1", 150)
	r := newTestRouter(t, f)

	w := doJSON(r, "POST", "/v1/members/m1/buy", TierRequest{TierID: "premium_a"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, "POST", "/v1/members/m1/cancel", CancelRequest{Namespace: "premium"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, "POST", "/v1/members/m1/cancel", CancelRequest{Namespace: "premium"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "no_active_grant")
}

func TestHandler_ListTiers(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f)

	w := doJSON(r, "GET", "/v1/tiers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "premium_a")
	assert.Contains(t, w.Body.String(), "color_red")

	w = doJSON(r, "GET", "/v1/tiers?namespace=premium", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "premium_b")
	assert.NotContains(t, w.Body.String(), "color_red")
}

func TestHandler_Grants(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "m1", 150)
	r := newTestRouter(t, f)

	w := doJSON(r, "GET", "/v1/members/m1/grants/premium", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, err := f.service.Buy(context.Background(), "m1", "premium_a")
	require.NoError(t, err)

	w = doJSON(r, "GET", "/v1/members/m1/grants/premium", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "premium_a")

	w = doJSON(r, "GET", "/v1/members/m1/grants", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}
