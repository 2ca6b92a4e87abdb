package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/loantracker/internal/auth"
	"github.com/dukerupert/loantracker/internal/geoip"
	"github.com/dukerupert/loantracker/internal/middleware"
	"github.com/dukerupert/loantracker/internal/model"
	"github.com/dukerupert/loantracker/internal/security"
	"github.com/dukerupert/loantracker/internal/store"
)

const maxIDVerificationLen = 64

type AccountHandler struct {
	accounts     *store.AccountStore
	tokens       *auth.Tokens
	geo          geoip.Locator
	data         *security.DataCipher
	cookieSecure bool
	logger       *slog.Logger
}

func NewAccountHandler(as *store.AccountStore, tokens *auth.Tokens, geo geoip.Locator, data *security.DataCipher, cookieSecure bool, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		accounts:     as,
		tokens:       tokens,
		geo:          geo,
		data:         data,
		cookieSecure: cookieSecure,
		logger:       logger,
	}
}

type registerRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

// Register handles POST /register
func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}
	if !security.ValidUsername(req.Username) {
		writeError(w, http.StatusBadRequest, "username must be 3-20 letters, digits or underscores")
		return
	}
	if !security.ValidPassword(req.Password) {
		writeError(w, http.StatusBadRequest, "password must be 8-128 characters with a letter and a digit")
		return
	}
	if !security.ValidDisplayName(req.DisplayName) {
		writeError(w, http.StatusBadRequest, "invalid display name")
		return
	}

	taken, err := h.accounts.UsernameExists(req.Username)
	if err != nil {
		h.logger.Error("register check username", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if taken {
		writeError(w, http.StatusConflict, "username already taken")
		return
	}

	ip := middleware.RealIP(r)
	registered, err := h.accounts.IPRegistered(ip)
	if err != nil {
		h.logger.Error("register check ip", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if registered {
		writeError(w, http.StatusForbidden, "an account is already registered from this address")
		return
	}

	salt, err := security.GenerateSalt()
	if err != nil {
		h.logger.Error("register salt", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	hash, err := security.HashPassword(req.Password, salt)
	if err != nil {
		h.logger.Error("register hash", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	account, err := h.accounts.Create(store.NewAccount{
		Username:     req.Username,
		PasswordHash: hash,
		Salt:         salt,
		DisplayName:  req.DisplayName,
		Country:      h.geo.Country(ip),
		IP:           ip,
	})
	if errors.Is(err, store.ErrUsernameTaken) {
		writeError(w, http.StatusConflict, "username already taken")
		return
	}
	if errors.Is(err, store.ErrIPRegistered) {
		writeError(w, http.StatusForbidden, "an account is already registered from this address")
		return
	}
	if err != nil {
		h.logger.Error("create account", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.logger.Info("account registered", "account_id", account.ID, "country", account.Country)
	writeJSON(w, http.StatusCreated, account)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login handles POST /login
func (h *AccountHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	account, err := h.accounts.GetByUsername(strings.TrimSpace(req.Username))
	if err != nil {
		h.logger.Error("login lookup", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if account == nil || !security.VerifyPassword(req.Password, account.Salt, account.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	token, expires, err := h.tokens.Issue(account.Username)
	if err != nil {
		h.logger.Error("issue token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.TokenCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"token":   token,
		"expires": expires.UTC().Format(time.RFC3339),
		"account": account,
	})
}

// Logout handles POST /logout
func (h *AccountHandler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.TokenCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// CheckUsername handles GET /check-username?username=
func (h *AccountHandler) CheckUsername(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(r.URL.Query().Get("username"))
	if !security.ValidUsername(username) {
		writeError(w, http.StatusBadRequest, "username must be 3-20 letters, digits or underscores")
		return
	}

	taken, err := h.accounts.UsernameExists(username)
	if err != nil {
		h.logger.Error("check username", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"available": !taken})
}

// ownProfile is the account as its owner sees it.
type ownProfile struct {
	*model.Account
	IDVerificationNumber *string `json:"id_verification_number"`
}

func (h *AccountHandler) ownProfile(a *model.Account) ownProfile {
	p := ownProfile{Account: a}
	if a.IDVerificationNumber != nil {
		plain, err := h.data.Decrypt(*a.IDVerificationNumber)
		if err != nil {
			h.logger.Error("decrypt id verification number", "account_id", a.ID, "error", err)
		} else {
			p.IDVerificationNumber = &plain
		}
	}
	return p
}

// GetProfile handles GET /profile[?username=]
func (h *AccountHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	ac, _ := auth.FromContext(r.Context())

	username := strings.TrimSpace(r.URL.Query().Get("username"))
	if username != "" && !strings.EqualFold(username, ac.Username) {
		account, err := h.accounts.GetByUsername(username)
		if err != nil {
			h.logger.Error("get profile", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if account == nil {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeJSON(w, http.StatusOK, account.Public())
		return
	}

	account, err := h.accounts.GetByID(ac.AccountID)
	if err != nil {
		h.logger.Error("get own profile", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if account == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, h.ownProfile(account))
}

// profileUpdate is the whitelist of fields POST /profile accepts.
type profileUpdate struct {
	DisplayName          *string `json:"display_name"`
	Pfp                  *string `json:"pfp"`
	Password             *string `json:"password"`
	IDVerificationNumber *string `json:"id_verification_number"`
}

// UpdateProfile handles POST /profile
func (h *AccountHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())

	var req profileUpdate
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var u model.AccountUpdate
	if req.DisplayName != nil {
		name := strings.TrimSpace(*req.DisplayName)
		if !security.ValidDisplayName(name) {
			writeError(w, http.StatusBadRequest, "invalid display name")
			return
		}
		u.DisplayName = &name
	}
	if req.Pfp != nil {
		pfp := strings.TrimSpace(*req.Pfp)
		if pfp != "" && !security.ValidURL(pfp) {
			writeError(w, http.StatusBadRequest, "pfp must be an http(s) URL")
			return
		}
		u.Pfp = &pfp
	}
	if req.Password != nil {
		if !security.ValidPassword(*req.Password) {
			writeError(w, http.StatusBadRequest, "password must be 8-128 characters with a letter and a digit")
			return
		}
		salt, err := security.GenerateSalt()
		if err != nil {
			h.logger.Error("profile salt", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		hash, err := security.HashPassword(*req.Password, salt)
		if err != nil {
			h.logger.Error("profile hash", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		u.Salt, u.PasswordHash = &salt, &hash
	}
	if req.IDVerificationNumber != nil {
		idv := strings.TrimSpace(*req.IDVerificationNumber)
		if idv == "" || len(idv) > maxIDVerificationLen {
			writeError(w, http.StatusBadRequest, "invalid id verification number")
			return
		}
		enc, err := h.data.Encrypt(idv)
		if err != nil {
			h.logger.Error("encrypt id verification number", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		u.IDVerificationNumber = &enc
	}

	account, err := h.accounts.Update(accountID, u)
	if err != nil {
		h.logger.Error("update profile", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if account == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, h.ownProfile(account))
}

type parseTokenRequest struct {
	Token string `json:"token"`
}

// ParseToken handles POST /parse-token. The token is read from the body, or
// from the request itself when the body is empty.
func (h *AccountHandler) ParseToken(w http.ResponseWriter, r *http.Request) {
	var req parseTokenRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	raw := strings.TrimSpace(req.Token)
	if raw == "" {
		raw = middleware.TokenFromRequest(r)
	}
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "missing token")
		return
	}

	username, err := h.tokens.Parse(raw)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": username})
}
