package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(s *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(s).RegisterRoutes(r.Group("/v1"))
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateAndGet(t *testing.T) {
	s := newTestService()
	r := setupRouter(s)

	w := doJSON(t, r, http.MethodPost, "/v1/escrows", gin.H{
		"buyerId": "buyer-1", "vendorId": "vendor-1", "amount": 1000,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Escrow Escrow `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusCreated, resp.Escrow.Status)

	w = doJSON(t, r, http.MethodGet, "/v1/escrows/"+resp.Escrow.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_CreateValidation(t *testing.T) {
	s := newTestService()
	r := setupRouter(s)

	w := doJSON(t, r, http.MethodPost, "/v1/escrows", gin.H{
		"buyerId": "same", "vendorId": "same", "amount": 1000,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")

	w = doJSON(t, r, http.MethodPost, "/v1/escrows", gin.H{
		"buyerId": "has space!", "vendorId": "v", "amount": 1000,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_NotFound(t *testing.T) {
	s := newTestService()
	r := setupRouter(s)

	w := doJSON(t, r, http.MethodGet, "/v1/escrows/esc_ffffffffffffffffffffffff", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")
}

func TestHandler_InvalidTransitionIsConflict(t *testing.T) {
	s := newTestService()
	r := setupRouter(s)
	e := createTestEscrow(t, s)

	// Release from created is a protocol-order violation → 409.
	w := doJSON(t, r, http.MethodPost, "/v1/escrows/"+e.ID+"/release", gin.H{"callerId": "buyer-1"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_state")
}

func TestHandler_UnauthorizedIsForbidden(t *testing.T) {
	s := newTestService()
	r := setupRouter(s)
	e := createTestEscrow(t, s)
	fundTestEscrow(t, s, e.ID)

	w := doJSON(t, r, http.MethodPost, "/v1/escrows/"+e.ID+"/release", gin.H{"callerId": "vendor-1"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_DisputeLifecycle(t *testing.T) {
	s := newTestService()
	r := setupRouter(s)
	e := createTestEscrow(t, s)
	fundTestEscrow(t, s, e.ID)

	w := doJSON(t, r, http.MethodPost, "/v1/escrows/"+e.ID+"/dispute", gin.H{
		"openerId": "buyer-1", "claim": "never arrived",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/escrows/"+e.ID+"/dispute/respond", gin.H{
		"callerId": "vendor-1", "response": "it shipped",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/escrows/"+e.ID+"/dispute/evidence", gin.H{
		"callerId": "buyer-1", "note": "tracking dead-ends",
	})
	require.Equal(t, http.StatusOK, w.Code)

	got, err := s.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, got.Status)
	assert.Len(t, got.Evidence, 1)
}

func TestHandler_MarkFundedBadTxid(t *testing.T) {
	s := newTestService()
	r := setupRouter(s)
	e := createTestEscrow(t, s)

	w := doJSON(t, r, http.MethodPost, "/v1/escrows/"+e.ID+"/funded", gin.H{"txid": "not hex!"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
