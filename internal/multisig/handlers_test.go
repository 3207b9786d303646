package multisig

import (
	"bytes"
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

func TestHandler_BeginRequiresWallets(t *testing.T) {
	svc, _, _, _ := newTestCoordinator(t, &fakeWallet{})
	r := setupRouter(svc)

	w := doJSON(t, r, http.MethodPost, "/v1/escrows/esc_1/multisig", nil)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Contains(t, w.Body.String(), "wallets_not_registered")
}

func TestHandler_RoundFlow(t *testing.T) {
	svc, _, reg, _ := newTestCoordinator(t, &fakeWallet{address: convergedAddr})
	registerAll(t, reg, "esc_1")
	r := setupRouter(svc)

	w := doJSON(t, r, http.MethodPost, "/v1/escrows/esc_1/multisig", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	// Out-of-order round maps to conflict.
	w = doJSON(t, r, http.MethodPost, "/v1/escrows/esc_1/multisig/make", gin.H{
		"role": "buyer", "madeInfo": "MultisigxV1buyer",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "protocol_order")

	w = doJSON(t, r, http.MethodPost, "/v1/escrows/esc_1/multisig/prepare", gin.H{
		"role": "buyer", "prepareInfo": "MultisigV1buyer",
	})
	require.Equal(t, http.StatusOK, w.Code)

	// Progress exposes the submitted blob to peers.
	w = doJSON(t, r, http.MethodGet, "/v1/escrows/esc_1/multisig", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "MultisigV1buyer")
}

func TestHandler_ArbiterSubmissionRejected(t *testing.T) {
	svc, _, reg, _ := newTestCoordinator(t, &fakeWallet{})
	registerAll(t, reg, "esc_1")
	r := setupRouter(svc)

	w := doJSON(t, r, http.MethodPost, "/v1/escrows/esc_1/multisig", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/escrows/esc_1/multisig/prepare", gin.H{
		"role": "arbiter", "prepareInfo": "MultisigV1arb",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ProgressNotFound(t *testing.T) {
	svc, _, _, _ := newTestCoordinator(t, &fakeWallet{})
	r := setupRouter(svc)

	w := doJSON(t, r, http.MethodGet, "/v1/escrows/esc_missing/multisig", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
