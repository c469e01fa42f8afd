package executor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) (*APIServer, *MockRestClient, func(body string) *httptest.ResponseRecorder) {
	db, mockClient, exec := setupTest(t)
	_ = db
	server := NewAPIServer(exec, 0, zap.NewNop())

	invoke := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/invoke", strings.NewReader(body))
		rec := httptest.NewRecorder()
		server.invokeHandler(rec, req)
		return rec
	}
	return server, mockClient, invoke
}

func TestInvoke_UnknownAction(t *testing.T) {
	_, _, invoke := newTestServer(t)

	rec := invoke(`{"action":"reticulate_splines"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, CodeInvalidAction, resp.Code)
	assert.Contains(t, resp.Error, "reticulate_splines")
}

func TestInvoke_MethodNotAllowed(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/invoke", nil)
	rec := httptest.NewRecorder()
	server.invokeHandler(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestInvoke_ExecuteTradeConfigurationError(t *testing.T) {
	_, _, invoke := newTestServer(t)

	rec := invoke(`{"action":"execute_trade","symbol":"BTCUSDT","side":"BUY","quantity":0.5,"type":"MARKET","userId":"nobody"}`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var resp errorResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, CodeConfiguration, resp.Code)
}

func TestInvoke_CheckTPSLEmpty(t *testing.T) {
	_, mockClient, invoke := newTestServer(t)

	rec := invoke(`{"action":"check_tp_sl","userId":"nobody"}`)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool          `json:"success"`
		Results []ExitOutcome `json:"results"`
	}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Empty(t, resp.Results)
	mockClient.AssertNotCalled(t, "GetTickerPrice", mock.Anything, mock.Anything)
}

func TestInvoke_GetAccountInfoPassThrough(t *testing.T) {
	db, mockClient, exec := setupTest(t)
	createSettings(t, db, "user-1")
	server := NewAPIServer(exec, 0, zap.NewNop())

	mockClient.On("GetAccountInfo", mock.Anything, mock.Anything).
		Return(json.RawMessage(`{"balances":[{"asset":"BTC","free":"1.0"}]}`), nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/api/invoke",
		strings.NewReader(`{"action":"get_account_info","userId":"user-1"}`))
	rec := httptest.NewRecorder()
	server.invokeHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool            `json:"success"`
		Account json.RawMessage `json:"account"`
	}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"balances":[{"asset":"BTC","free":"1.0"}]}`, string(resp.Account))
	mockClient.AssertExpectations(t)
}

func TestInvoke_InvalidJSON(t *testing.T) {
	_, _, invoke := newTestServer(t)

	rec := invoke(`{nope`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp errorResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
}
