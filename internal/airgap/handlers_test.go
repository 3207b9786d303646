package airgap

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

	"github.com/tradeweave/escrowd/internal/escrow"
)

func setupRouter(s *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(s).RegisterRoutes(r.Group("/v1"))
	return r
}

func post(t *testing.T, r *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_ExportAndImport(t *testing.T) {
	pub, priv := newArbiterKey(t)
	svc, escrows := newTestService(t, pub)
	esc := disputedEscrow(t, escrows)
	r := setupRouter(svc)

	w := post(t, r, "/v1/escrows/"+esc.ID+"/dispute/export", gin.H{"partialTxHex": "partialtx"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Envelope DisputeEnvelope `json:"envelope"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Envelope.Nonce)

	dec := decide(priv, &resp.Envelope, DecisionBuyer)
	w = post(t, r, "/v1/disputes/decision", dec)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"refunding"`)

	// Replay maps to conflict.
	w = post(t, r, "/v1/disputes/decision", dec)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "nonce_replayed")
}

func TestHandler_Export_NotDisputed(t *testing.T) {
	pub, _ := newArbiterKey(t)
	svc, escrows := newTestService(t, pub)
	r := setupRouter(svc)

	esc, err := escrows.Create(context.Background(), escrow.CreateRequest{
		BuyerID: "buyer-1", VendorID: "vendor-1", Amount: 1,
	})
	require.NoError(t, err)

	w := post(t, r, "/v1/escrows/"+esc.ID+"/dispute/export", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_ImportDecision_BadSignature(t *testing.T) {
	pub, _ := newArbiterKey(t)
	_, wrongPriv := newArbiterKey(t)
	svc, escrows := newTestService(t, pub)
	esc := disputedEscrow(t, escrows)
	r := setupRouter(svc)

	env, err := svc.ExportDispute(context.Background(), esc.ID, "")
	require.NoError(t, err)

	w := post(t, r, "/v1/disputes/decision", decide(wrongPriv, env, DecisionVendor))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandler_ImportDecision_MissingFields(t *testing.T) {
	pub, _ := newArbiterKey(t)
	svc, _ := newTestService(t, pub)
	r := setupRouter(svc)

	w := post(t, r, "/v1/disputes/decision", gin.H{
		"escrowId": "esc_1", "decision": DecisionBuyer, "decidedAt": time.Now().UTC(),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
