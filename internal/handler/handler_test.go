package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/loantracker/internal/auth"
	"github.com/dukerupert/loantracker/internal/currency"
	"github.com/dukerupert/loantracker/internal/database"
	"github.com/dukerupert/loantracker/internal/model"
	"github.com/dukerupert/loantracker/internal/store"
)

type sentNotification struct {
	AccountID int64
	Type      string
	Message   string
	Link      *string
}

// recordingNotifier stores notifications without delivering them and keeps
// a copy of each call for assertions.
type recordingNotifier struct {
	store *store.NotificationStore
	mu    sync.Mutex
	sent  []sentNotification
}

func (n *recordingNotifier) Notify(_ context.Context, accountID int64, typ, message string, link *string) (*model.Notification, error) {
	n.mu.Lock()
	n.sent = append(n.sent, sentNotification{AccountID: accountID, Type: typ, Message: message, Link: link})
	n.mu.Unlock()
	return n.store.Create(accountID, typ, message, link)
}

func (n *recordingNotifier) last(t *testing.T) sentNotification {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		t.Fatal("no notification sent")
	}
	return n.sent[len(n.sent)-1]
}

// stubConverter converts with fixed rates expressed as units per USD.
type stubConverter struct {
	rates map[string]decimal.Decimal
	err   error
}

func (c *stubConverter) ToUSD(_ context.Context, amount decimal.Decimal, code string) (decimal.Decimal, error) {
	if c.err != nil {
		return decimal.Zero, c.err
	}
	if code == "USD" {
		return amount, nil
	}
	rate, ok := c.rates[code]
	if !ok {
		return decimal.Zero, currency.ErrUnknownCurrency
	}
	return amount.Div(rate), nil
}

type testEnv struct {
	db        *sql.DB
	accounts  *store.AccountStore
	loans     *store.LoanStore
	notifs    *store.NotificationStore
	subs      *store.PushStore
	tokens    *auth.Tokens
	notifier  *recordingNotifier
	converter *stubConverter
	logger    *slog.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	notifs := store.NewNotificationStore(db)
	return &testEnv{
		db:       db,
		accounts: store.NewAccountStore(db),
		loans:    store.NewLoanStore(db),
		notifs:   notifs,
		subs:     store.NewPushStore(db),
		tokens:   auth.NewTokens("test-secret", time.Hour),
		notifier: &recordingNotifier{store: notifs},
		converter: &stubConverter{rates: map[string]decimal.Decimal{
			"EUR": decimal.RequireFromString("0.9"),
			"JPY": decimal.RequireFromString("150"),
		}},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (e *testEnv) createAccount(t *testing.T, username, ip string) *model.Account {
	t.Helper()
	a, err := e.accounts.Create(store.NewAccount{
		Username:     username,
		PasswordHash: "hash",
		Salt:         "salt",
		DisplayName:  username,
		IP:           ip,
	})
	if err != nil {
		t.Fatalf("create account %s: %v", username, err)
	}
	return a
}

func (e *testEnv) reload(t *testing.T, id int64) *model.Account {
	t.Helper()
	a, err := e.accounts.GetByID(id)
	if err != nil || a == nil {
		t.Fatalf("reload account %d: %v", id, err)
	}
	return a
}

func jsonRequest(method, path, body string) *http.Request {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func as(req *http.Request, a *model.Account) *http.Request {
	return req.WithContext(auth.WithAuth(req.Context(), auth.AuthContext{AccountID: a.ID, Username: a.Username}))
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[map[string]string](t, rec)["error"]
}
