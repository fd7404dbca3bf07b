package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhill/daytrader/internal/models"
)

func testClient(t *testing.T, handler http.Handler, opts Options) (*AlpacaAPI, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	opts.TradingBaseURL = srv.URL
	opts.DataBaseURL = srv.URL
	if opts.RetryBase == 0 {
		opts.RetryBase = time.Millisecond
	}
	limiter := NewRateLimiter(10000, 1.0, 100)
	api := NewAlpacaAPI(Credentials{KeyID: "key", SecretKey: "secret"}, limiter, zerolog.Nop(), opts)
	return api, srv
}

func TestGetAccount_ParsesStringNumerics(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/account", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		assert.Equal(t, "secret", r.Header.Get("APCA-API-SECRET-KEY"))
		fmt.Fprint(w, `{
			"equity": "10000.50",
			"last_equity": "9800.00",
			"cash": "5000",
			"buying_power": "20001",
			"daytrade_count": 2,
			"pattern_day_trader": false
		}`)
	})
	api, _ := testClient(t, handler, Options{})

	resp := api.GetAccount(context.Background())
	require.True(t, resp.Success)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 10000.50, resp.Data.Equity, 1e-9)
	assert.InDelta(t, 9800.00, resp.Data.LastEquity, 1e-9)
	assert.Equal(t, 2, resp.Data.DayTradeCount)
	assert.False(t, resp.Data.PatternDayTrader)
}

func TestSubmitOrder_CreatedIsSuccess(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "NVDA", payload["symbol"])
		assert.Equal(t, "bracket", payload["order_class"])

		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{
			"id": "broker-1",
			"client_order_id": "client-1",
			"symbol": "NVDA",
			"side": "buy",
			"type": "limit",
			"order_class": "bracket",
			"qty": "5",
			"filled_qty": "0",
			"time_in_force": "day",
			"status": "new",
			"legs": []
		}`)
	})
	api, _ := testClient(t, handler, Options{})

	resp := api.SubmitOrder(context.Background(), OrderSpec{
		ClientID:   "client-1",
		Symbol:     "NVDA",
		Qty:        5,
		Side:       models.SideBuy,
		Type:       models.OrderTypeLimit,
		LimitPrice: 100.10,
		OrderClass: models.OrderClassBracket,
		TakeProfit: &TakeProfit{LimitPrice: 110},
		StopLoss:   &StopLoss{StopPrice: 95},
	})
	require.True(t, resp.Success)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "broker-1", resp.Data.BrokerID)
	assert.Equal(t, models.OrderNew, resp.Data.Status)
	assert.Equal(t, models.OrderClassBracket, resp.Data.Class)
}

func TestCancelOrder_NoContentIsSuccess(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v2/orders/broker-1", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	api, _ := testClient(t, handler, Options{})

	resp := api.CancelOrder(context.Background(), "broker-1")
	require.True(t, resp.Success)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, ErrKindNone, resp.ErrorKind)
}

func TestSubmitOrder_PDTRejection(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"code":40310100,"message":"trade denied due to pattern day trading protection"}`)
	})
	api, _ := testClient(t, handler, Options{})

	resp := api.SubmitOrder(context.Background(), OrderSpec{
		Symbol: "NVDA", Qty: 5, Side: models.SideSell, Type: models.OrderTypeMarket,
	})
	require.False(t, resp.Success)
	assert.Equal(t, ErrKindPDTViolation, resp.ErrorKind)
	assert.False(t, resp.Retryable)
}

func TestSubmitOrder_QtyHeldIsRetryable(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"code":40310000,"message":"insufficient qty available for order (requested: 10, available: 0)"}`)
	})
	api, _ := testClient(t, handler, Options{})

	resp := api.SubmitOrder(context.Background(), OrderSpec{
		Symbol: "NVDA", Qty: 10, Side: models.SideSell, Type: models.OrderTypeMarket, Emergency: true,
	})
	require.False(t, resp.Success)
	assert.Equal(t, ErrKindQtyHeld, resp.ErrorKind)
	assert.True(t, resp.Retryable)
}

func TestCall_RetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"equity":"100","last_equity":"100","cash":"100","buying_power":"100"}`)
	})
	api, _ := testClient(t, handler, Options{})

	resp := api.GetAccount(context.Background())
	require.True(t, resp.Success)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCall_ExhaustsRetriesOnPersistent503(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	api, _ := testClient(t, handler, Options{MaxRetries: 3})

	resp := api.GetAccount(context.Background())
	require.False(t, resp.Success)
	assert.Equal(t, ErrKindNetwork, resp.ErrorKind)
	assert.True(t, resp.Retryable)
	assert.Equal(t, int32(4), calls.Load(), "initial attempt plus three retries")
	assert.Equal(t, int64(1), api.ConsecutiveFailures())
}

func TestGetLatestQuote_FreshAndStale(t *testing.T) {
	quoteTime := time.Now().UTC()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/stocks/NVDA/quotes/latest", r.URL.Path)
		payload := map[string]any{
			"symbol": "NVDA",
			"quote": map[string]any{
				"bp": 100.10, "ap": 100.20, "bs": 3, "as": 5,
				"t": quoteTime.Format(time.RFC3339Nano),
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(payload))
	})
	api, _ := testClient(t, handler, Options{StaleQuoteMax: time.Minute})

	resp := api.GetLatestQuote(context.Background(), "NVDA")
	require.True(t, resp.Success)
	assert.InDelta(t, 100.15, resp.Data.Mid(), 1e-9)
	assert.InDelta(t, 0.0999, resp.Data.SpreadPct(), 1e-4)

	// Age the quote past the staleness bound.
	quoteTime = time.Now().UTC().Add(-2 * time.Minute)
	resp = api.GetLatestQuote(context.Background(), "NVDA")
	require.False(t, resp.Success)
	assert.Equal(t, ErrKindStaleData, resp.ErrorKind)
}

func TestGetLatestQuote_MissingFieldsAreZero(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"symbol":"XYZ","quote":{"t":%q}}`, time.Now().UTC().Format(time.RFC3339Nano))
	})
	api, _ := testClient(t, handler, Options{})

	resp := api.GetLatestQuote(context.Background(), "XYZ")
	require.True(t, resp.Success)
	assert.Zero(t, resp.Data.BidPrice)
	assert.Zero(t, resp.Data.AskPrice)
	assert.Zero(t, resp.Data.BidSize)
}

func TestGetOrders_FlattensBracketLegs(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "open", r.URL.Query().Get("status"))
		assert.Equal(t, "true", r.URL.Query().Get("nested"))
		fmt.Fprint(w, `[{
			"id": "parent-1",
			"symbol": "NVDA",
			"side": "buy",
			"type": "limit",
			"order_class": "bracket",
			"qty": "5",
			"status": "filled",
			"filled_qty": "5",
			"filled_avg_price": "100.05",
			"time_in_force": "day",
			"legs": [
				{"id": "tp-1", "symbol": "NVDA", "side": "sell", "type": "limit", "qty": "5", "status": "accepted", "time_in_force": "day"},
				{"id": "sl-1", "symbol": "NVDA", "side": "sell", "type": "stop", "qty": "5", "status": "held", "time_in_force": "day"}
			]
		}]`)
	})
	api, _ := testClient(t, handler, Options{})

	resp := api.GetOrders(context.Background(), OrdersOpen)
	require.True(t, resp.Success)
	require.Len(t, resp.Data, 3)
	assert.Equal(t, "parent-1", resp.Data[0].BrokerID)
	assert.Empty(t, resp.Data[0].ParentID)
	assert.Equal(t, "parent-1", resp.Data[1].ParentID)
	assert.Equal(t, "parent-1", resp.Data[2].ParentID)
	assert.Equal(t, models.OrderTypeStop, resp.Data[2].Type)
}

func TestCancelAllFor_CancelsOnlyMatchingSymbol(t *testing.T) {
	var deleted []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v2/orders":
			fmt.Fprint(w, `[
				{"id": "o-1", "symbol": "NVDA", "side": "sell", "type": "stop", "qty": "5", "status": "accepted", "time_in_force": "day"},
				{"id": "o-2", "symbol": "AAPL", "side": "sell", "type": "stop", "qty": "5", "status": "accepted", "time_in_force": "day"},
				{"id": "o-3", "symbol": "NVDA", "side": "sell", "type": "limit", "qty": "5", "status": "accepted", "time_in_force": "day"}
			]`)
		case r.Method == http.MethodDelete:
			deleted = append(deleted, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	api, _ := testClient(t, handler, Options{})

	resp := api.CancelAllFor(context.Background(), "NVDA")
	require.True(t, resp.Success)
	assert.Equal(t, 2, resp.Data)
	assert.Equal(t, []string{"/v2/orders/o-1", "/v2/orders/o-3"}, deleted)
}

func TestGetMarketMovers(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta1/screener/stocks/movers", r.URL.Path)
		fmt.Fprint(w, `{
			"gainers": [{"symbol": "NVDA", "price": 100.5, "change": 4.8, "percent_change": 5.02}],
			"losers": [{"symbol": "XYZ", "price": 20.0, "change": -1.5, "percent_change": -6.98}]
		}`)
	})
	api, _ := testClient(t, handler, Options{})

	resp := api.GetMarketMovers(context.Background(), 10)
	require.True(t, resp.Success)
	require.Len(t, resp.Data.Gainers, 1)
	require.Len(t, resp.Data.Losers, 1)
	assert.InDelta(t, 5.02, resp.Data.Gainers[0].PercentChange, 1e-9)
}
