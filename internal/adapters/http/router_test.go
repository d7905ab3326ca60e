package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ordersaga/internal/participant"
	"ordersaga/internal/saga"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubOrders struct {
	order    saga.Order
	err      error
	event    saga.Event
	findErr  error
	events   []saga.Event
	received participant.OrderRequest
	filters  participant.EventFilters
}

func (s *stubOrders) CreateOrder(ctx context.Context, req participant.OrderRequest) (saga.Order, error) {
	s.received = req
	return s.order, s.err
}

func (s *stubOrders) FindEvent(ctx context.Context, filters participant.EventFilters) (saga.Event, error) {
	s.filters = filters
	return s.event, s.findErr
}

func (s *stubOrders) FindAllEvents(ctx context.Context) ([]saga.Event, error) {
	return s.events, s.err
}

func newTestRouter(orders OrderAPI) http.Handler {
	log, _ := test.NewNullLogger()
	return NewRouter(NewHandler(orders, log), nil)
}

func serve(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestCreateOrder(t *testing.T) {
	orders := &stubOrders{order: saga.Order{ID: "order-1", TransactionID: "1_tx"}}
	rr := serve(t, newTestRouter(orders), http.MethodPost, "/api/order",
		`{"products":[{"productCode":"COMIC_BOOKS","unitPrice":1550,"quantity":5}]}`)

	require.Equal(t, http.StatusCreated, rr.Code)
	var got saga.Order
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "order-1", got.ID)
	require.Len(t, orders.received.Products, 1)
	assert.Equal(t, int64(1550), orders.received.Products[0].UnitPrice)
}

func TestCreateOrderErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		want int
	}{
		{name: "bad json", body: `{`, want: http.StatusBadRequest},
		{name: "invalid payload", body: `{"products":[]}`, err: saga.ErrInvalidPayload, want: http.StatusBadRequest},
		{name: "broker down", body: `{"products":[]}`, err: errors.New("broker down"), want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := serve(t, newTestRouter(&stubOrders{err: tc.err}), http.MethodPost, "/api/order", tc.body)
			assert.Equal(t, tc.want, rr.Code)
		})
	}
}

func TestFindEvent(t *testing.T) {
	orders := &stubOrders{event: saga.Event{ID: "evt-1", Status: saga.StatusSuccess}}
	rr := serve(t, newTestRouter(orders), http.MethodGet, "/api/event?orderId=o-1&transactionId=t-1", "")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, participant.EventFilters{OrderID: "o-1", TransactionID: "t-1"}, orders.filters)
	var got saga.Event
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "evt-1", got.ID)
}

func TestFindEventErrors(t *testing.T) {
	rr := serve(t, newTestRouter(&stubOrders{findErr: participant.ErrFiltersRequired}), http.MethodGet, "/api/event", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(t, newTestRouter(&stubOrders{findErr: participant.ErrEventNotFound}), http.MethodGet, "/api/event?orderId=x", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestFindAllEventsReturnsEmptyList(t *testing.T) {
	rr := serve(t, newTestRouter(&stubOrders{}), http.MethodGet, "/api/event/all", "")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestHealthz(t *testing.T) {
	rr := serve(t, newTestRouter(&stubOrders{}), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestExtraRoutesAreMounted(t *testing.T) {
	log, _ := test.NewNullLogger()
	extra := map[string]http.Handler{
		"/metrics": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) }),
	}
	rr := serve(t, NewRouter(NewHandler(&stubOrders{}, log), extra), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusTeapot, rr.Code)
}

func TestRouterWithoutOrderService(t *testing.T) {
	h := NewRouter(nil, nil)

	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, h, http.MethodGet, "/api/event/all", "").Code)
}
