package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"tokentrader/internal/config"
	"tokentrader/internal/market"
	"tokentrader/internal/pkg/circuit"
	"tokentrader/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "BTC", r.URL.Query().Get("token"))
		assert.Equal(t, "1h", r.URL.Query().Get("timeframe"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newSource(t *testing.T, endpoint string, breaker *circuit.Breaker) *HTTPSource {
	t.Helper()
	src, err := NewHTTPSource(HTTPConfig{Endpoint: endpoint, Timeframe: "1h", Timeout: time.Second, Breaker: breaker, Clock: func() time.Time { return fixedNow }})
	require.NoError(t, err)
	return src
}

func TestHTTPSourceParsesCamelAndSnakeCase(t *testing.T) {
	bodies := map[string]string{
		"camel":   `{"token":"BTC","action":"BUY","currentPrice":100,"stopLoss":95,"confidence":0.9,"riskLevel":"low"}`,
		"snake":   `{"signal":{"symbol":"btc","action":"buy","current_price":"100","stop_loss":95,"confidence":0.9,"risk_level":"LOW"}}`,
		"wrapped": `{"data":{"action":"buy","price":100,"stop_loss":95,"confidence":0.9,"risk_level":"low"}}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			srv, _ := newServer(t, http.StatusOK, body)
			sig, err := newSource(t, srv.URL, nil).Latest(context.Background(), "btc")
			require.NoError(t, err)
			require.NotNil(t, sig)
			assert.Equal(t, "BTC", sig.Token)
			assert.Equal(t, types.ActionBuy, sig.Action)
			assert.Equal(t, 100.0, sig.CurrentPrice)
			assert.Equal(t, 95.0, sig.StopLoss)
			assert.Equal(t, 0.9, sig.Confidence)
			assert.Equal(t, types.RiskLow, sig.RiskLevel)
			assert.Equal(t, fixedNow, sig.Timestamp)
		})
	}
}

func TestHTTPSourceNoSignal(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"empty body", http.StatusOK, ""},
		{"null", http.StatusOK, "null"},
		{"hold", http.StatusOK, `{"action":"hold","confidence":0.2}`},
		{"no content", http.StatusNoContent, ""},
		{"not found", http.StatusNotFound, "no signal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newServer(t, tc.status, tc.body)
			sig, err := newSource(t, srv.URL, nil).Latest(context.Background(), "BTC")
			require.NoError(t, err)
			assert.Nil(t, sig)
		})
	}
}

func TestHTTPSourceDegradesToDataUnavailable(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, "boom"},
		{"bad json", http.StatusOK, "{not json"},
		{"confidence out of range", http.StatusOK, `{"action":"buy","price":1,"confidence":7}`},
		{"token mismatch", http.StatusOK, `{"token":"ETH","action":"buy","price":1,"confidence":0.7}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newServer(t, tc.status, tc.body)
			sig, err := newSource(t, srv.URL, nil).Latest(context.Background(), "BTC")
			assert.Nil(t, sig)
			assert.ErrorIs(t, err, market.ErrDataUnavailable)
		})
	}
}

func TestHTTPSourceBreakerStopsCalling(t *testing.T) {
	srv, hits := newServer(t, http.StatusBadGateway, "down")
	src := newSource(t, srv.URL, circuit.New("test", 2, time.Hour))

	for i := 0; i < 5; i++ {
		_, err := src.Latest(context.Background(), "BTC")
		assert.ErrorIs(t, err, market.ErrDataUnavailable)
	}
	assert.EqualValues(t, 2, hits.Load())
}

func TestStaticSourceConsumesOnce(t *testing.T) {
	s := NewStatic()
	s.Push(types.Signal{Token: "eth", Action: types.ActionSell, CurrentPrice: 10, Confidence: 0.8})

	sig, err := s.Latest(context.Background(), "ETH")
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, types.ActionSell, sig.Action)

	sig, err = s.Latest(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestFromConfig(t *testing.T) {
	src, err := FromConfig(config.SignalsConfig{Provider: "none"})
	require.NoError(t, err)
	assert.IsType(t, None{}, src)

	_, err = FromConfig(config.SignalsConfig{Provider: "http"})
	assert.Error(t, err)

	_, err = FromConfig(config.SignalsConfig{Provider: "kafka"})
	assert.ErrorIs(t, err, config.ErrConfiguration)
}
