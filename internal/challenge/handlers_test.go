package challenge

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

func post(t *testing.T, r *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_IssueAndVerify(t *testing.T) {
	s := NewService(NewMemoryStore())
	r := setupRouter(s)
	wallet := newTestWallet(t)

	w := post(t, r, "/v1/challenges", gin.H{"userId": "buyer-1", "escrowId": "esc_1"})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Challenge Challenge `json:"challenge"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Challenge.ID)
	require.Len(t, resp.Challenge.NonceHex, 64)

	// The wire form carries the nonce as hex; rebuild it for signing.
	ch, err := s.store.Get(context.Background(), resp.Challenge.ID)
	require.NoError(t, err)

	w = post(t, r, "/v1/challenges/"+ch.ID+"/verify", gin.H{
		"signature":    wallet.sign(ch),
		"multisigInfo": wallet.info,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"verified":true`)

	// Consumed: the same verify now 404s.
	w = post(t, r, "/v1/challenges/"+ch.ID+"/verify", gin.H{
		"signature":    wallet.sign(ch),
		"multisigInfo": wallet.info,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_Verify_BadSignature(t *testing.T) {
	s := NewService(NewMemoryStore())
	r := setupRouter(s)
	wallet := newTestWallet(t)

	w := post(t, r, "/v1/challenges", gin.H{"userId": "buyer-1", "escrowId": "esc_1"})
	require.Equal(t, http.StatusCreated, w.Code)
	var resp struct {
		Challenge Challenge `json:"challenge"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	ch, err := s.store.Get(context.Background(), resp.Challenge.ID)
	require.NoError(t, err)

	other := newTestWallet(t)
	w = post(t, r, "/v1/challenges/"+ch.ID+"/verify", gin.H{
		"signature":    other.sign(ch),
		"multisigInfo": wallet.info,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "signature_invalid")
}

func TestHandler_Issue_MissingFields(t *testing.T) {
	r := setupRouter(NewService(NewMemoryStore()))

	w := post(t, r, "/v1/challenges", gin.H{"userId": "buyer-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
