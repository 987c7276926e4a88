package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"tokentrader/internal/types"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSource(t *testing.T, handler http.HandlerFunc) *Source {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	src := New(Config{RESTBaseURL: srv.URL, RequestsPerSecond: 1000})
	src.now = func() time.Time { return time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC) }
	return src
}

func TestCurrentPrice(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		assert.Equal(t, "ETHUSDT", r.URL.Query().Get("symbol"))
		_, _ = w.Write([]byte(`{"symbol":"ETHUSDT","price":"2501.50"}`))
	})
	p, err := src.CurrentPrice(context.Background(), "eth")
	require.NoError(t, err)
	assert.Equal(t, 2501.5, p)
	assert.EqualValues(t, 1, src.Stats().Requests)
}

func TestHistoricalBarsDropsUnclosed(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		closed := day.Add(22 * time.Hour)
		open := day.Add(24 * time.Hour)
		body := `[[` + ms(closed) + `,"100","110","90","105","12",` + ms(closed.Add(time.Hour-time.Millisecond)) + `,"0",5,"0","0","0"],` +
			`[` + ms(open) + `,"105","106","104","105.5","1",` + ms(open.Add(time.Hour-time.Millisecond)) + `,"0",1,"0","0","0"]]`
		_, _ = w.Write([]byte(body))
	})
	bars, err := src.HistoricalBars(context.Background(), "BTC", types.DateRange{})
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 105.0, bars[0].Close)
	assert.Equal(t, 90.0, bars[0].Low)
}

func TestCurrentPriceError(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	})
	_, err := src.CurrentPrice(context.Background(), "NOPE")
	require.Error(t, err)
	st := src.Stats()
	assert.EqualValues(t, 1, st.Errors)
	assert.NotEmpty(t, st.LastError)
}

func TestAverageFill(t *testing.T) {
	f := averageFill(&gobinance.CreateOrderResponse{OrderID: 7, ExecutedQuantity: "2", CummulativeQuoteQuantity: "201"})
	assert.Equal(t, "7", f.OrderID)
	assert.Equal(t, 2.0, f.Quantity)
	assert.Equal(t, 100.5, f.Price)

	f = averageFill(&gobinance.CreateOrderResponse{Fills: []*gobinance.Fill{
		{Price: "100", Quantity: "1"},
		{Price: "102", Quantity: "1"},
	}})
	assert.Equal(t, 2.0, f.Quantity)
	assert.Equal(t, 101.0, f.Price)
}

func ms(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
