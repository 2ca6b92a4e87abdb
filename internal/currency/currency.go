package currency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultURL = "https://open.er-api.com/v6/latest/USD"
	cacheTTL   = time.Hour
)

var (
	ErrUnknownCurrency = errors.New("unknown currency")
	ErrUnavailable     = errors.New("exchange rates unavailable")
)

// Translator converts amounts to US dollars using USD-based exchange rates
// fetched from an HTTP API and cached for an hour.
type Translator struct {
	client    *http.Client
	url       string
	now       func() time.Time
	mu        sync.RWMutex
	rates     map[string]decimal.Decimal
	lastFetch time.Time
}

func NewTranslator(url string, client *http.Client) *Translator {
	if url == "" {
		url = DefaultURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Translator{client: client, url: url, now: time.Now}
}

// ToUSD converts amount in the given currency to US dollars.
func (t *Translator) ToUSD(ctx context.Context, amount decimal.Decimal, currency string) (decimal.Decimal, error) {
	if currency == "USD" {
		return amount, nil
	}
	rates, err := t.Rates(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	rate, ok := rates[currency]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, currency)
	}
	return amount.Div(rate), nil
}

// Rates returns units of each currency per US dollar, refreshing the cache
// when it is older than an hour. Stale rates are served if a refresh fails.
func (t *Translator) Rates(ctx context.Context) (map[string]decimal.Decimal, error) {
	t.mu.RLock()
	if t.rates != nil && t.now().Sub(t.lastFetch) < cacheTTL {
		rates := t.rates
		t.mu.RUnlock()
		return rates, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Double-check after acquiring write lock.
	if t.rates != nil && t.now().Sub(t.lastFetch) < cacheTTL {
		return t.rates, nil
	}

	rates, err := t.fetch(ctx)
	if err != nil {
		if t.rates != nil {
			return t.rates, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	t.rates = rates
	t.lastFetch = t.now()
	return t.rates, nil
}

type apiResponse struct {
	Result   string                     `json:"result"`
	BaseCode string                     `json:"base_code"`
	Rates    map[string]decimal.Decimal `json:"rates"`
}

func (t *Translator) fetch(ctx context.Context) (map[string]decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build rates request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rates API request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rates API returned status %d", resp.StatusCode)
	}

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode rates response: %w", err)
	}
	if apiResp.Result != "success" || len(apiResp.Rates) == 0 {
		return nil, fmt.Errorf("rates API result %q", apiResp.Result)
	}
	if apiResp.BaseCode != "" && apiResp.BaseCode != "USD" {
		return nil, fmt.Errorf("rates API base %q, want USD", apiResp.BaseCode)
	}
	return apiResp.Rates, nil
}
