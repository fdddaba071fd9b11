package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/cart-ledger/internal/adapter/storage"
	"github.com/rl1809/cart-ledger/internal/core/domain"
	"github.com/rl1809/cart-ledger/internal/core/service"
	"github.com/rl1809/cart-ledger/internal/port"
)

type testResponse struct {
	Success bool            `json:"success"`
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type downTransactor struct{}

func (downTransactor) WithinTx(context.Context, func(context.Context, port.Repositories) error) error {
	return errors.New("dial tcp 127.0.0.1:3306: connect: connection refused")
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T, tx port.Transactor) *gin.Engine {
	t.Helper()
	engine := service.NewReconciliationEngine(tx, service.WithIdempotency(storage.NewMemoryIdempotency()))
	return NewRouter(NewHTTPHandler(engine, zerolog.Nop()))
}

func do(t *testing.T, r *gin.Engine, method, path string, body any, headers ...string) (int, testResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp testResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "body: %s", w.Body.String())
	return w.Code, resp
}

func createTestItem(t *testing.T, r *gin.Engine, name string, quantity int) ItemDTO {
	t.Helper()
	code, resp := do(t, r, http.MethodPost, "/api/items", map[string]any{
		"name": name, "unit_price": "12.50", "quantity": quantity,
	})
	require.Equal(t, http.StatusCreated, code, resp.Message)

	var item ItemDTO
	require.NoError(t, json.Unmarshal(resp.Data, &item))
	return item
}

func TestHTTP_ItemEndpoints(t *testing.T) {
	r := newTestRouter(t, storage.NewMemoryStore())
	item := createTestItem(t, r, "Notebook", 3)
	assert.Equal(t, "12.50", item.UnitPrice)
	assert.True(t, item.InInventory)

	code, resp := do(t, r, http.MethodGet, "/api/items/"+item.ID, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)

	code, resp = do(t, r, http.MethodPut, "/api/items/"+item.ID+"/quantity", map[string]int{"quantity": 0})
	require.Equal(t, http.StatusOK, code)
	var updated ItemDTO
	require.NoError(t, json.Unmarshal(resp.Data, &updated))
	assert.False(t, updated.InInventory)

	code, resp = do(t, r, http.MethodGet, "/api/items?in_inventory=true", nil)
	require.Equal(t, http.StatusOK, code)
	var listed []ItemDTO
	require.NoError(t, json.Unmarshal(resp.Data, &listed))
	assert.Empty(t, listed)

	code, _ = do(t, r, http.MethodGet, "/api/items?in_inventory=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, r, http.MethodDelete, "/api/items/"+item.ID, nil)
	assert.Equal(t, http.StatusOK, code)

	code, resp = do(t, r, http.MethodGet, "/api/items/"+item.ID, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(domain.KindNotFound), resp.Kind)
}

func TestHTTP_CreateItemValidation(t *testing.T) {
	r := newTestRouter(t, storage.NewMemoryStore())

	code, resp := do(t, r, http.MethodPost, "/api/items", map[string]any{"name": "", "unit_price": "1", "quantity": 1})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(domain.KindValidation), resp.Kind)

	code, _ = do(t, r, http.MethodPost, "/api/items", map[string]any{"name": "Pen", "unit_price": "-1", "quantity": 1})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHTTP_CartFlow(t *testing.T) {
	r := newTestRouter(t, storage.NewMemoryStore())
	item := createTestItem(t, r, "Notebook", 5)

	code, resp := do(t, r, http.MethodPost, "/api/cart", map[string]any{"item_id": item.ID})
	require.Equal(t, http.StatusOK, code, resp.Message)
	var change CartChangeDTO
	require.NoError(t, json.Unmarshal(resp.Data, &change))
	assert.Equal(t, "created", change.Change)
	assert.Equal(t, 1, change.Quantity, "quantity defaults to one")

	code, _ = do(t, r, http.MethodPost, "/api/cart", map[string]any{"item_id": item.ID, "quantity": 2})
	require.Equal(t, http.StatusOK, code)

	code, resp = do(t, r, http.MethodPost, "/api/cart", map[string]any{"item_id": item.ID, "quantity": 3})
	assert.Equal(t, http.StatusGone, code)
	assert.Equal(t, string(domain.KindInsufficientStock), resp.Kind)

	code, _ = do(t, r, http.MethodPut, "/api/cart/"+item.ID, map[string]int{"quantity": -1})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, r, http.MethodPut, "/api/cart/"+item.ID, map[string]int{"quantity": 4})
	require.Equal(t, http.StatusOK, code)

	code, resp = do(t, r, http.MethodGet, "/api/cart", nil)
	require.Equal(t, http.StatusOK, code)
	var cart CartDTO
	require.NoError(t, json.Unmarshal(resp.Data, &cart))
	require.Len(t, cart.Lines, 1)
	assert.Equal(t, 4, cart.Lines[0].Quantity)
	assert.Equal(t, "50.00", cart.Total)

	code, _ = do(t, r, http.MethodDelete, "/api/cart/"+item.ID, nil)
	require.Equal(t, http.StatusOK, code)
	code, resp = do(t, r, http.MethodGet, "/api/cart", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &cart))
	assert.Empty(t, cart.Lines)

	code, _ = do(t, r, http.MethodPost, "/api/cart", map[string]any{"item_id": "missing"})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, r, http.MethodPost, "/api/cart", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHTTP_CheckoutAndLedger(t *testing.T) {
	r := newTestRouter(t, storage.NewMemoryStore())
	item := createTestItem(t, r, "Notebook", 5)

	code, _ := do(t, r, http.MethodPost, "/api/cart", map[string]any{"item_id": item.ID, "quantity": 2})
	require.Equal(t, http.StatusOK, code)

	code, resp := do(t, r, http.MethodPost, "/api/checkout", nil, idempotencyHeader, "order-42")
	require.Equal(t, http.StatusOK, code, resp.Message)
	var receipt ReceiptDTO
	require.NoError(t, json.Unmarshal(resp.Data, &receipt))
	require.Len(t, receipt.Lines, 1)
	assert.Equal(t, "25.00", receipt.Total)

	code, resp = do(t, r, http.MethodPost, "/api/checkout", nil, idempotencyHeader, "order-42")
	require.Equal(t, http.StatusOK, code)
	var replay ReceiptDTO
	require.NoError(t, json.Unmarshal(resp.Data, &replay))
	assert.Equal(t, receipt.CheckoutID, replay.CheckoutID)

	code, resp = do(t, r, http.MethodGet, "/api/items/"+item.ID, nil)
	require.Equal(t, http.StatusOK, code)
	var after ItemDTO
	require.NoError(t, json.Unmarshal(resp.Data, &after))
	assert.Equal(t, 3, after.AvailableQuantity)

	code, resp = do(t, r, http.MethodGet, "/api/ledger?checkout_id="+receipt.CheckoutID, nil)
	require.Equal(t, http.StatusOK, code)
	var ledger []LedgerEntryDTO
	require.NoError(t, json.Unmarshal(resp.Data, &ledger))
	require.Len(t, ledger, 1)
	assert.Equal(t, "Notebook", ledger[0].ItemName)
	assert.Equal(t, "25.00", ledger[0].LineTotal)
}

func TestHTTP_CheckoutEmptyCart(t *testing.T) {
	r := newTestRouter(t, storage.NewMemoryStore())

	code, resp := do(t, r, http.MethodPost, "/api/checkout", nil)
	require.Equal(t, http.StatusOK, code)
	var receipt ReceiptDTO
	require.NoError(t, json.Unmarshal(resp.Data, &receipt))
	assert.Empty(t, receipt.CheckoutID)
	assert.Empty(t, receipt.Lines)
	assert.Equal(t, "0.00", receipt.Total)
}

func TestHTTP_StorageDownHidesCause(t *testing.T) {
	r := newTestRouter(t, downTransactor{})

	code, resp := do(t, r, http.MethodGet, "/api/cart", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, string(domain.KindStorageUnavailable), resp.Kind)
	assert.Equal(t, "storage unavailable", resp.Message)
}

func TestStatusFor(t *testing.T) {
	tests := map[domain.Kind]int{
		domain.KindValidation:         http.StatusBadRequest,
		domain.KindNotFound:           http.StatusNotFound,
		domain.KindInsufficientStock:  http.StatusGone,
		domain.KindConflict:           http.StatusConflict,
		domain.KindStorageUnavailable: http.StatusServiceUnavailable,
	}
	for kind, want := range tests {
		assert.Equal(t, want, statusFor(kind), string(kind))
	}
}

func TestErrorBody_ForeignError(t *testing.T) {
	kind, message := errorBody(errors.New("pq: password authentication failed"))
	assert.Equal(t, domain.KindStorageUnavailable, kind)
	assert.Equal(t, "storage unavailable", message)
}

func TestHealthCheck(t *testing.T) {
	r := newTestRouter(t, storage.NewMemoryStore())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}
