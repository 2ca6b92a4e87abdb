package currency

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const ratesPayload = `{"result":"success","base_code":"USD","rates":{"USD":1,"EUR":0.5,"JPY":150}}`

func newRatesServer(t *testing.T, calls *int32, fail *atomic.Bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if fail != nil && fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(ratesPayload))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestToUSD(t *testing.T) {
	var calls int32
	srv := newRatesServer(t, &calls, nil)
	tr := NewTranslator(srv.URL, srv.Client())

	tests := []struct {
		amount   string
		currency string
		want     string
	}{
		{"10", "EUR", "20"},
		{"300", "JPY", "2"},
		{"7.25", "USD", "7.25"},
	}
	for _, tt := range tests {
		got, err := tr.ToUSD(context.Background(), decimal.RequireFromString(tt.amount), tt.currency)
		if err != nil {
			t.Fatalf("ToUSD(%s %s): %v", tt.amount, tt.currency, err)
		}
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("ToUSD(%s %s) = %s, want %s", tt.amount, tt.currency, got, tt.want)
		}
	}
}

func TestToUSDUnknownCurrency(t *testing.T) {
	var calls int32
	srv := newRatesServer(t, &calls, nil)
	tr := NewTranslator(srv.URL, srv.Client())

	_, err := tr.ToUSD(context.Background(), decimal.NewFromInt(5), "XYZ")
	if !errors.Is(err, ErrUnknownCurrency) {
		t.Errorf("err = %v, want ErrUnknownCurrency", err)
	}
}

func TestRatesCached(t *testing.T) {
	var calls int32
	srv := newRatesServer(t, &calls, nil)
	tr := NewTranslator(srv.URL, srv.Client())
	now := time.Now()
	tr.now = func() time.Time { return now }

	ctx := context.Background()
	tr.Rates(ctx)
	tr.Rates(ctx)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("API calls = %d, want 1", got)
	}

	now = now.Add(cacheTTL + time.Second)
	tr.Rates(ctx)
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("API calls after TTL = %d, want 2", got)
	}
}

func TestRatesStaleOnError(t *testing.T) {
	var calls int32
	var fail atomic.Bool
	srv := newRatesServer(t, &calls, &fail)
	tr := NewTranslator(srv.URL, srv.Client())
	now := time.Now()
	tr.now = func() time.Time { return now }

	ctx := context.Background()
	if _, err := tr.Rates(ctx); err != nil {
		t.Fatalf("first fetch: %v", err)
	}

	fail.Store(true)
	now = now.Add(2 * cacheTTL)

	got, err := tr.ToUSD(ctx, decimal.NewFromInt(10), "EUR")
	if err != nil {
		t.Fatalf("expected stale rates, got error: %v", err)
	}
	if !got.Equal(decimal.NewFromInt(20)) {
		t.Errorf("ToUSD = %s, want 20", got)
	}
}

func TestRatesUnavailable(t *testing.T) {
	var calls int32
	var fail atomic.Bool
	fail.Store(true)
	srv := newRatesServer(t, &calls, &fail)
	tr := NewTranslator(srv.URL, srv.Client())

	_, err := tr.ToUSD(context.Background(), decimal.NewFromInt(10), "EUR")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}

	// USD needs no rates.
	if _, err := tr.ToUSD(context.Background(), decimal.NewFromInt(10), "USD"); err != nil {
		t.Errorf("USD conversion should not need the API: %v", err)
	}
}
