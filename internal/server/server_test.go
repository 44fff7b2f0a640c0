package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"merchantfactory/internal/config"
	"merchantfactory/internal/contracts"
	"merchantfactory/internal/creation"
	"merchantfactory/internal/hmacauth"
	"merchantfactory/internal/idempotency"
	"merchantfactory/internal/wallet"
)

const testSecret = "test-secret"

var merchantOwner = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func testAppConfig() *config.AppConfig {
	return &config.AppConfig{
		Service: config.ServiceConfig{
			HMACSecret:           testSecret,
			HMACClockSkew:        time.Minute,
			IdempotencyWindow:    time.Minute,
			CreateRateBurst:      5,
			NotificationFeedSize: 10,
		},
		Chain: config.ChainConfig{Network: "sepolia"},
		Creation: config.CreationConfig{
			FactoryAddress:  "0xFfe3Ac0A460BFb8d33eC28F3feF951bD716f4265",
			TokenA:          "0xae2b32de15c685a82cb03c4d5528b6b3fe0ee0d1",
			TokenB:          "0x03159f1b81661a225c4110e7b4b13ac5310b0b1e",
			RetryFromFailed: true,
		},
	}
}

func newTestServer(t *testing.T, cfg *config.AppConfig) *Server {
	t.Helper()
	srv, err := NewServer(cfg, wallet.NewFakeProvider(merchantOwner), idempotency.NewMemoryStore(0, 0), nil)
	require.NoError(t, err)
	t.Cleanup(srv.controller.Close)
	return srv
}

func signed(t *testing.T, method, path string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	require.NoError(t, hmacauth.SignRequest(req, testSecret, time.Now()))
	return req
}

func do(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func connectAccount(t *testing.T, srv *Server, account string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"account": account})
	return do(srv, signed(t, http.MethodPut, "/api/v1/session/account", body))
}

func requestCreation(t *testing.T, srv *Server, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := signed(t, http.MethodPost, "/api/v1/session/creations", nil)
	req.Header.Set("X-Idempotency-Key", key)
	return do(srv, req)
}

func sessionState(t *testing.T, srv *Server) sessionResponse {
	t.Helper()
	rec := do(srv, httptest.NewRequest(http.MethodGet, "/api/v1/session", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCreationFlow(t *testing.T) {
	srv := newTestServer(t, testAppConfig())

	initial := sessionState(t, srv)
	assert.Equal(t, creation.StateDisconnected, initial.Attempt.State)
	assert.False(t, initial.CanRequest)

	rec := connectAccount(t, srv, merchantOwner.Hex())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, creation.StateIdle, sessionState(t, srv).Attempt.State)

	abi := do(srv, httptest.NewRequest(http.MethodGet, "/api/v1/contracts/merchant/abi", nil))
	require.Equal(t, http.StatusConflict, abi.Code)

	rec = requestCreation(t, srv, "key-1")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		return srv.controller.Snapshot().State == creation.StateSucceeded
	}, 2*time.Second, 5*time.Millisecond)

	final := sessionState(t, srv)
	require.NotNil(t, final.Attempt.ContractAddress)
	assert.NotEqual(t, common.Address{}, *final.Attempt.ContractAddress)
	assert.False(t, final.CanRequest)

	abi = do(srv, httptest.NewRequest(http.MethodGet, "/api/v1/contracts/merchant/abi", nil))
	require.Equal(t, http.StatusOK, abi.Code)
	assert.Contains(t, abi.Header().Get("Content-Disposition"), contracts.MerchantABIFilename)
	assert.Equal(t, contracts.MerchantContractABI, abi.Body.Bytes())

	notes := do(srv, httptest.NewRequest(http.MethodGet, "/api/v1/notifications", nil))
	var feed []creation.Notification
	require.NoError(t, json.Unmarshal(notes.Body.Bytes(), &feed))
	require.Len(t, feed, 1)
	assert.Equal(t, creation.LevelSuccess, feed[0].Level)

	// a new key against a finished attempt is a conflict
	rec = requestCreation(t, srv, "key-2")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreationIdempotency(t *testing.T) {
	srv := newTestServer(t, testAppConfig())
	require.Equal(t, http.StatusOK, connectAccount(t, srv, merchantOwner.Hex()).Code)

	first := requestCreation(t, srv, "key-1")
	require.Equal(t, http.StatusAccepted, first.Code)

	second := requestCreation(t, srv, "key-1")
	require.Equal(t, http.StatusAccepted, second.Code)
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
}

func TestCreationRequiresIdempotencyKey(t *testing.T) {
	srv := newTestServer(t, testAppConfig())
	rec := do(srv, signed(t, http.MethodPost, "/api/v1/session/creations", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreationWithoutAccount(t *testing.T) {
	srv := newTestServer(t, testAppConfig())

	rec := requestCreation(t, srv, "key-1")
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, creation.StateDisconnected, sessionState(t, srv).Attempt.State)

	feed := srv.feed.Recent()
	require.Len(t, feed, 1)
	assert.Equal(t, creation.LevelError, feed[0].Level)
}

func TestUnsignedRequestRejected(t *testing.T) {
	srv := newTestServer(t, testAppConfig())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/creations", nil)
	req.Header.Set("X-Idempotency-Key", "key-1")
	assert.Equal(t, http.StatusUnauthorized, do(srv, req).Code)
}

func TestConnectValidation(t *testing.T) {
	srv := newTestServer(t, testAppConfig())

	assert.Equal(t, http.StatusBadRequest, connectAccount(t, srv, "not-hex").Code)
	assert.Equal(t, http.StatusForbidden, connectAccount(t, srv, "0x00000000000000000000000000000000000000bb").Code)

	bad := do(srv, signed(t, http.MethodPut, "/api/v1/session/account", []byte("{")))
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestDisconnectResetsSession(t *testing.T) {
	srv := newTestServer(t, testAppConfig())
	require.Equal(t, http.StatusOK, connectAccount(t, srv, merchantOwner.Hex()).Code)

	rec := do(srv, signed(t, http.MethodPut, "/api/v1/session/account", []byte(`{"account":null}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	state := sessionState(t, srv)
	assert.Equal(t, creation.StateDisconnected, state.Attempt.State)
	assert.Nil(t, state.Attempt.Account)
}

func TestRefreshWithoutConfirmedAttempt(t *testing.T) {
	srv := newTestServer(t, testAppConfig())
	rec := do(srv, signed(t, http.MethodPost, "/api/v1/session/refresh", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreationRateLimited(t *testing.T) {
	cfg := testAppConfig()
	cfg.Service.CreateRatePerMinute = 1
	cfg.Service.CreateRateBurst = 1
	srv := newTestServer(t, cfg)

	assert.Equal(t, http.StatusPreconditionFailed, requestCreation(t, srv, "key-1").Code)
	assert.Equal(t, http.StatusTooManyRequests, requestCreation(t, srv, "key-2").Code)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, testAppConfig())
	require.Equal(t, http.StatusOK, connectAccount(t, srv, merchantOwner.Hex()).Code)

	health := do(srv, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, health.Code)
	assert.Contains(t, health.Body.String(), `"status":"healthy"`)
	assert.Contains(t, health.Body.String(), `"session":"idle"`)

	metrics := do(srv, httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	require.Equal(t, http.StatusOK, metrics.Code)
	body, _ := io.ReadAll(metrics.Body)
	assert.True(t, strings.Contains(string(body), `merchant_session_state{state="idle"} 1`))
	assert.True(t, strings.Contains(string(body), `merchant_creation_transitions_total{state="idle"} 1`))
}
