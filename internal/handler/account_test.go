package handler

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/dukerupert/loantracker/internal/database"
	"github.com/dukerupert/loantracker/internal/geoip"
	"github.com/dukerupert/loantracker/internal/middleware"
	"github.com/dukerupert/loantracker/internal/model"
	"github.com/dukerupert/loantracker/internal/security"
	"github.com/dukerupert/loantracker/internal/store"
)

var testCipher = sync.OnceValue(func() *security.DataCipher {
	return security.NewDataCipher("data-key")
})

func (e *testEnv) accountHandler(geo geoip.Locator) *AccountHandler {
	if geo == nil {
		geo = geoip.Nop{}
	}
	return NewAccountHandler(e.accounts, e.tokens, geo, testCipher(), false, e.logger)
}

func register(t *testing.T, h *AccountHandler, body, ip string) *httptest.ResponseRecorder {
	t.Helper()
	req := jsonRequest("POST", "/register", body)
	req.RemoteAddr = ip + ":5000"
	rec := httptest.NewRecorder()
	h.Register(rec, req)
	return rec
}

func TestRegister(t *testing.T) {
	env := newTestEnv(t)
	h := env.accountHandler(geoip.Static{"198.51.100.7": "NL"})

	rec := register(t, h, `{"username":"alice","password":"hunter2hunter2","display_name":"Alice A"}`, "198.51.100.7")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if strings.Contains(body, "hunter2") || strings.Contains(body, `"salt"`) || strings.Contains(body, `"ip"`) {
		t.Errorf("response leaks credentials: %s", body)
	}

	a, err := env.accounts.GetByUsername("alice")
	if err != nil || a == nil {
		t.Fatalf("account not stored: %v", err)
	}
	if a.Country != "NL" {
		t.Errorf("Country = %q, want NL", a.Country)
	}
	if a.IP != "198.51.100.7" {
		t.Errorf("IP = %q, want 198.51.100.7", a.IP)
	}
	if a.PasswordHash == "" || a.PasswordHash == "hunter2hunter2" {
		t.Errorf("password not hashed: %q", a.PasswordHash)
	}
	if len(a.Loans) != 0 || len(a.Loaned) != 0 || len(a.ToApprove) != 0 {
		t.Error("new account should have empty loan lists")
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)
	h := env.accountHandler(nil)

	tests := []struct {
		name string
		body string
	}{
		{"short username", `{"username":"al","password":"hunter2hunter2"}`},
		{"bad username chars", `{"username":"al ice","password":"hunter2hunter2"}`},
		{"short password", `{"username":"alice","password":"abc1"}`},
		{"password without digit", `{"username":"alice","password":"abcdefghijk"}`},
		{"bad display name", `{"username":"alice","password":"hunter2hunter2","display_name":"<script>"}`},
		{"unknown field", `{"username":"alice","password":"hunter2hunter2","verified":true}`},
		{"empty body", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := register(t, h, tt.body, "198.51.100.8")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "alice", "10.0.0.1")
	h := env.accountHandler(nil)

	rec := register(t, h, `{"username":"Alice","password":"hunter2hunter2"}`, "10.0.0.2")
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestRegisterDuplicateIP(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "alice", "10.0.0.1")
	h := env.accountHandler(nil)

	rec := register(t, h, `{"username":"bob","password":"hunter2hunter2"}`, "10.0.0.1")
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestRegisterConcurrentSameIP(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "register.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	env := newTestEnv(t)
	env.accounts = store.NewAccountStore(db)
	h := env.accountHandler(nil)

	const n = 5
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body := fmt.Sprintf(`{"username":"user%d","password":"hunter2hunter2"}`, i)
			codes[i] = register(t, h, body, "10.0.0.1").Code
		}()
	}
	wg.Wait()

	created := 0
	for _, code := range codes {
		switch code {
		case http.StatusCreated:
			created++
		case http.StatusForbidden:
		default:
			t.Errorf("unexpected status %d", code)
		}
	}
	if created != 1 {
		t.Errorf("registered %d accounts from one address, want 1", created)
	}
}

func TestLoginAndParseToken(t *testing.T) {
	env := newTestEnv(t)
	h := env.accountHandler(nil)
	if rec := register(t, h, `{"username":"alice","password":"hunter2hunter2"}`, "10.0.0.1"); rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d", rec.Code)
	}

	rec := httptest.NewRecorder()
	h.Login(rec, jsonRequest("POST", "/login", `{"username":"ALICE","password":"hunter2hunter2"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == middleware.TokenCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("token cookie not set")
	}
	if !cookie.HttpOnly || cookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("cookie HttpOnly=%v SameSite=%v", cookie.HttpOnly, cookie.SameSite)
	}

	resp := decodeBody[struct {
		Token   string        `json:"token"`
		Account model.Account `json:"account"`
	}](t, rec)
	if resp.Token != cookie.Value {
		t.Error("body token differs from cookie")
	}
	if resp.Account.Username != "alice" {
		t.Errorf("account username = %q", resp.Account.Username)
	}

	rec = httptest.NewRecorder()
	h.ParseToken(rec, jsonRequest("POST", "/parse-token", `{"token":"`+resp.Token+`"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("parse-token status = %d", rec.Code)
	}
	if got := decodeBody[map[string]string](t, rec)["username"]; got != "alice" {
		t.Errorf("username = %q, want alice", got)
	}

	req := httptest.NewRequest("POST", "/parse-token", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	rec = httptest.NewRecorder()
	h.ParseToken(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("parse-token from header status = %d", rec.Code)
	}
}

func TestLoginFailures(t *testing.T) {
	env := newTestEnv(t)
	h := env.accountHandler(nil)
	register(t, h, `{"username":"alice","password":"hunter2hunter2"}`, "10.0.0.1")

	for _, body := range []string{
		`{"username":"alice","password":"wrongpass1"}`,
		`{"username":"nobody","password":"hunter2hunter2"}`,
	} {
		rec := httptest.NewRecorder()
		h.Login(rec, jsonRequest("POST", "/login", body))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", body, rec.Code)
		}
		if len(rec.Result().Cookies()) != 0 {
			t.Errorf("%s: cookie set on failed login", body)
		}
	}
}

func TestParseTokenInvalid(t *testing.T) {
	env := newTestEnv(t)
	h := env.accountHandler(nil)

	for _, body := range []string{`{"token":"garbage"}`, ``} {
		rec := httptest.NewRecorder()
		h.ParseToken(rec, jsonRequest("POST", "/parse-token", body))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%q: status = %d, want 401", body, rec.Code)
		}
	}
}

func TestLogoutClearsCookie(t *testing.T) {
	env := newTestEnv(t)
	h := env.accountHandler(nil)

	rec := httptest.NewRecorder()
	h.Logout(rec, httptest.NewRequest("POST", "/logout", nil))
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != middleware.TokenCookieName || cookies[0].MaxAge >= 0 {
		t.Errorf("cookies = %+v, want expired token cookie", cookies)
	}
}

func TestCheckUsername(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "alice", "10.0.0.1")
	h := env.accountHandler(nil)

	tests := []struct {
		query     string
		status    int
		available bool
	}{
		{"alice", http.StatusOK, false},
		{"ALICE", http.StatusOK, false},
		{"bob", http.StatusOK, true},
		{"b", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.CheckUsername(rec, httptest.NewRequest("GET", "/check-username?username="+tt.query, nil))
		if rec.Code != tt.status {
			t.Errorf("%s: status = %d, want %d", tt.query, rec.Code, tt.status)
			continue
		}
		if tt.status == http.StatusOK {
			if got := decodeBody[map[string]bool](t, rec)["available"]; got != tt.available {
				t.Errorf("%s: available = %v, want %v", tt.query, got, tt.available)
			}
		}
	}
}

func TestProfile(t *testing.T) {
	env := newTestEnv(t)
	alice := env.createAccount(t, "alice", "10.0.0.1")
	bob := env.createAccount(t, "bob", "10.0.0.2")
	h := env.accountHandler(nil)

	rec := httptest.NewRecorder()
	h.UpdateProfile(rec, as(jsonRequest("POST", "/profile",
		`{"display_name":"Alice L","pfp":"https://img.example.com/a.png","id_verification_number":"X123"}`), alice))
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}

	stored := env.reload(t, alice.ID)
	if stored.IDVerificationNumber == nil || *stored.IDVerificationNumber == "X123" {
		t.Fatal("id verification number should be stored encrypted")
	}

	rec = httptest.NewRecorder()
	h.GetProfile(rec, as(httptest.NewRequest("GET", "/profile", nil), alice))
	own := decodeBody[map[string]any](t, rec)
	if own["id_verification_number"] != "X123" {
		t.Errorf("own id_verification_number = %v, want X123", own["id_verification_number"])
	}
	if own["verified"] != true {
		t.Errorf("verified = %v, want true after storing id verification number", own["verified"])
	}
	if own["display_name"] != "Alice L" {
		t.Errorf("display_name = %v", own["display_name"])
	}
	if _, ok := own["loans"]; !ok {
		t.Error("own profile should include loan lists")
	}

	rec = httptest.NewRecorder()
	h.GetProfile(rec, as(httptest.NewRequest("GET", "/profile?username=alice", nil), bob))
	public := decodeBody[map[string]any](t, rec)
	if public["username"] != "alice" {
		t.Errorf("public username = %v", public["username"])
	}
	for _, hidden := range []string{"loans", "id_verification_number", "id"} {
		if _, ok := public[hidden]; ok {
			t.Errorf("public profile exposes %q", hidden)
		}
	}

	rec = httptest.NewRecorder()
	h.GetProfile(rec, as(httptest.NewRequest("GET", "/profile?username=nobody", nil), alice))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing profile status = %d, want 404", rec.Code)
	}
}

func TestUpdateProfileValidation(t *testing.T) {
	env := newTestEnv(t)
	alice := env.createAccount(t, "alice", "10.0.0.1")
	h := env.accountHandler(nil)

	for _, body := range []string{
		`{"verified":true}`,
		`{"username":"mallory"}`,
		`{"pfp":"javascript:alert(1)"}`,
		`{"password":"short"}`,
		`{"display_name":""}`,
	} {
		rec := httptest.NewRecorder()
		h.UpdateProfile(rec, as(jsonRequest("POST", "/profile", body), alice))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, rec.Code)
		}
	}
	if env.reload(t, alice.ID).Verified {
		t.Error("verified must not be writable")
	}
}

func TestUpdateProfileClearsPfp(t *testing.T) {
	env := newTestEnv(t)
	alice := env.createAccount(t, "alice", "10.0.0.1")
	h := env.accountHandler(nil)

	h.UpdateProfile(httptest.NewRecorder(), as(jsonRequest("POST", "/profile", `{"pfp":"https://img.example.com/a.png"}`), alice))
	rec := httptest.NewRecorder()
	h.UpdateProfile(rec, as(jsonRequest("POST", "/profile", `{"pfp":""}`), alice))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if pfp := env.reload(t, alice.ID).Pfp; pfp != nil {
		t.Errorf("Pfp = %q, want nil", *pfp)
	}
}

func TestUpdateProfilePassword(t *testing.T) {
	env := newTestEnv(t)
	h := env.accountHandler(nil)
	register(t, h, `{"username":"alice","password":"hunter2hunter2"}`, "10.0.0.1")
	alice, _ := env.accounts.GetByUsername("alice")

	rec := httptest.NewRecorder()
	h.UpdateProfile(rec, as(jsonRequest("POST", "/profile", `{"password":"newpass123"}`), alice))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.Login(rec, jsonRequest("POST", "/login", `{"username":"alice","password":"hunter2hunter2"}`))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("old password status = %d, want 401", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.Login(rec, jsonRequest("POST", "/login", `{"username":"alice","password":"newpass123"}`))
	if rec.Code != http.StatusOK {
		t.Errorf("new password status = %d, want 200", rec.Code)
	}
}
