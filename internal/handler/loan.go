package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/loantracker/internal/auth"
	"github.com/dukerupert/loantracker/internal/currency"
	"github.com/dukerupert/loantracker/internal/export"
	"github.com/dukerupert/loantracker/internal/model"
	"github.com/dukerupert/loantracker/internal/proof"
	"github.com/dukerupert/loantracker/internal/security"
	"github.com/dukerupert/loantracker/internal/store"
)

// minLoanUSD is the smallest loan accepted, measured in US dollars.
var minLoanUSD = decimal.NewFromInt(1)

// Converter translates an amount in some currency to US dollars.
type Converter interface {
	ToUSD(ctx context.Context, amount decimal.Decimal, code string) (decimal.Decimal, error)
}

// Notifier delivers a notification to an account.
type Notifier interface {
	Notify(ctx context.Context, accountID int64, typ, message string, link *string) (*model.Notification, error)
}

type LoanHandler struct {
	loans     *store.LoanStore
	accounts  *store.AccountStore
	notifier  Notifier
	converter Converter
	proofs    *proof.Store
	logger    *slog.Logger
	now       func() time.Time
}

func NewLoanHandler(ls *store.LoanStore, as *store.AccountStore, notifier Notifier, converter Converter, proofs *proof.Store, logger *slog.Logger) *LoanHandler {
	return &LoanHandler{
		loans:     ls,
		accounts:  as,
		notifier:  notifier,
		converter: converter,
		proofs:    proofs,
		logger:    logger,
		now:       time.Now,
	}
}

type createLoanRequest struct {
	Loaner      string          `json:"loaner"`
	Loaned      string          `json:"loaned"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	TimeExpires time.Time       `json:"time_expires"`
}

// Create handles POST /create-loan
func (h *LoanHandler) Create(w http.ResponseWriter, r *http.Request) {
	ac, _ := auth.FromContext(r.Context())

	var req createLoanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req.Loaner = strings.TrimSpace(req.Loaner)
	req.Loaned = strings.TrimSpace(req.Loaned)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))

	if !security.ValidUsername(req.Loaner) || !security.ValidUsername(req.Loaned) {
		writeError(w, http.StatusBadRequest, "loaner and loaned must be valid usernames")
		return
	}
	if strings.EqualFold(req.Loaner, req.Loaned) {
		writeError(w, http.StatusBadRequest, "loaner and loaned must differ")
		return
	}
	if !strings.EqualFold(ac.Username, req.Loaner) && !strings.EqualFold(ac.Username, req.Loaned) {
		writeError(w, http.StatusForbidden, "you must be a party to the loan")
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	if !security.ValidCurrency(req.Currency) {
		writeError(w, http.StatusBadRequest, "currency must be a 3-letter code")
		return
	}
	if req.TimeExpires.IsZero() || !req.TimeExpires.After(h.now()) {
		writeError(w, http.StatusBadRequest, "time_expires must be in the future")
		return
	}

	loaner, err := h.accounts.GetByUsername(req.Loaner)
	if err != nil {
		h.logger.Error("lookup loaner", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	loaned, err := h.accounts.GetByUsername(req.Loaned)
	if err != nil {
		h.logger.Error("lookup loaned", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if loaner == nil || loaned == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}

	usd, err := h.converter.ToUSD(r.Context(), req.Amount, req.Currency)
	switch {
	case errors.Is(err, currency.ErrUnknownCurrency):
		writeError(w, http.StatusBadRequest, "unknown currency")
		return
	case err != nil:
		h.logger.Error("convert currency", "currency", req.Currency, "error", err)
		writeError(w, http.StatusBadGateway, "exchange rates unavailable")
		return
	}
	if usd.LessThan(minLoanUSD) {
		writeError(w, http.StatusBadRequest, "amount must be worth at least 1 USD")
		return
	}

	loan, err := h.loans.Create(store.NewLoan{
		LoanerID:    loaner.ID,
		LoanedID:    loaned.ID,
		CreatedBy:   ac.AccountID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		TimeExpires: req.TimeExpires,
	})
	if err != nil {
		h.logger.Error("create loan", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	view := model.LoanView{Loan: *loan, Loaner: loaner.Username, Loaned: loaned.Username}
	role := "lend you"
	if loan.CreatedBy == loan.LoanedID {
		role = "borrow from you"
	}
	msg := fmt.Sprintf("%s wants to %s %s %s", ac.Username, role, loan.Amount.StringFixed(2), loan.Currency)
	h.notify(r.Context(), loan.Approver(), model.NotifTypeApproval, msg, loan.ID)

	h.logger.Info("loan created", "loan_id", loan.ID, "loaner_id", loan.LoanerID, "loaned_id", loan.LoanedID)
	writeJSON(w, http.StatusCreated, view)
}

// List handles GET /loans
func (h *LoanHandler) List(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())

	account, err := h.accounts.GetByID(accountID)
	if err != nil || account == nil {
		h.logger.Error("list loans account", "account_id", accountID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := map[string][]model.LoanView{}
	for key, ids := range map[string]model.IDList{
		"loans":      account.Loans,
		"loaned":     account.Loaned,
		"to_approve": account.ToApprove,
	} {
		loans, err := h.loans.ListByIDs(ids)
		if err != nil {
			h.logger.Error("list loans", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		views, err := h.views(loans)
		if err != nil {
			h.logger.Error("resolve loan parties", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		out[key] = views
	}
	writeJSON(w, http.StatusOK, out)
}

// Get handles GET /loans/{id}
func (h *LoanHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	loan, err := h.loans.GetByID(id)
	if err != nil {
		h.logger.Error("get loan", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if loan == nil || !loan.IsParty(auth.AccountID(r.Context())) {
		writeError(w, http.StatusNotFound, "loan not found")
		return
	}
	h.writeLoan(w, http.StatusOK, loan)
}

// Approve handles POST /approve-loan
func (h *LoanHandler) Approve(w http.ResponseWriter, r *http.Request) {
	ac, _ := auth.FromContext(r.Context())

	var req idRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	loan, err := h.loans.Approve(req.ID, ac.AccountID)
	if err != nil {
		h.writeLoanError(w, "approve loan", req.ID, err)
		return
	}

	msg := fmt.Sprintf("%s approved the loan of %s %s", ac.Username, loan.Amount.StringFixed(2), loan.Currency)
	h.notify(r.Context(), loan.CreatedBy, model.NotifTypeSystem, msg, loan.ID)

	h.logger.Info("loan approved", "loan_id", loan.ID, "account_id", ac.AccountID)
	h.writeLoan(w, http.StatusOK, loan)
}

type addProofRequest struct {
	ID   int64  `json:"id"`
	Link string `json:"link"`
}

// AddProof handles POST /add-proof
func (h *LoanHandler) AddProof(w http.ResponseWriter, r *http.Request) {
	var req addProofRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Link = strings.TrimSpace(req.Link)
	if !security.ValidURL(req.Link) {
		writeError(w, http.StatusBadRequest, "link must be an http(s) URL")
		return
	}

	loan, err := h.loans.AddProof(req.ID, auth.AccountID(r.Context()), req.Link)
	if err != nil {
		h.writeLoanError(w, "add proof", req.ID, err)
		return
	}
	h.writeLoan(w, http.StatusOK, loan)
}

// UploadProof handles POST /loans/{id}/proofs/upload
func (h *LoanHandler) UploadProof(w http.ResponseWriter, r *http.Request) {
	if h.proofs == nil || !h.proofs.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "proof uploads are not configured")
		return
	}

	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	accountID := auth.AccountID(r.Context())

	loan, err := h.loans.GetByID(id)
	if err != nil {
		h.logger.Error("get loan", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if loan == nil || !loan.IsParty(accountID) {
		writeError(w, http.StatusNotFound, "loan not found")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, proof.MaxSize+1<<20)
	file, fh, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file")
		return
	}
	defer file.Close()
	if fh.Size > proof.MaxSize {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	contentType, err := proof.DetectContentType(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable file")
		return
	}
	url, err := h.proofs.Upload(r.Context(), id, contentType, file, fh.Size)
	if errors.Is(err, proof.ErrUnsupportedType) {
		writeError(w, http.StatusUnsupportedMediaType, "file must be png, jpeg, webp or pdf")
		return
	}
	if err != nil {
		h.logger.Error("upload proof", "loan_id", id, "error", err)
		writeError(w, http.StatusBadGateway, "upload failed")
		return
	}

	loan, err = h.loans.AddProof(id, accountID, url)
	if err != nil {
		if derr := h.proofs.Delete(context.WithoutCancel(r.Context()), url); derr != nil {
			h.logger.Warn("remove orphaned proof", "url", url, "error", derr)
		}
		h.writeLoanError(w, "add uploaded proof", id, err)
		return
	}
	h.writeLoan(w, http.StatusCreated, loan)
}

// MarkPaid handles POST /mark-paid
func (h *LoanHandler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	ac, _ := auth.FromContext(r.Context())

	var req idRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	loan, err := h.loans.MarkPaid(req.ID, ac.AccountID)
	if err != nil {
		h.writeLoanError(w, "mark paid", req.ID, err)
		return
	}

	msg := fmt.Sprintf("%s marked the loan of %s %s as paid", ac.Username, loan.Amount.StringFixed(2), loan.Currency)
	h.notify(r.Context(), loan.LoanedID, model.NotifTypeSystem, msg, loan.ID)

	h.logger.Info("loan paid", "loan_id", loan.ID)
	h.writeLoan(w, http.StatusOK, loan)
}

// Export handles GET /loans/export?format=pdf|xlsx
func (h *LoanHandler) Export(w http.ResponseWriter, r *http.Request) {
	ac, _ := auth.FromContext(r.Context())

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "pdf"
	}
	if format != "pdf" && format != "xlsx" {
		writeError(w, http.StatusBadRequest, "format must be pdf or xlsx")
		return
	}

	loans, err := h.loans.ListForAccount(ac.AccountID)
	if err != nil {
		h.logger.Error("export list loans", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	views, err := h.views(loans)
	if err != nil {
		h.logger.Error("export resolve parties", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	stmt := export.Statement{
		Username:  ac.Username,
		AccountID: ac.AccountID,
		Generated: h.now(),
		Loans:     views,
	}
	filename := fmt.Sprintf("loans-%s-%s.%s", ac.Username, stmt.Generated.Format("20060102"), format)

	write, contentType := export.WritePDF, "application/pdf"
	if format == "xlsx" {
		write, contentType = export.WriteXLSX, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if err := write(w, stmt); err != nil {
		h.logger.Error("write statement", "format", format, "error", err)
	}
}

func (h *LoanHandler) notify(ctx context.Context, accountID int64, typ, msg string, loanID int64) {
	link := fmt.Sprintf("/loans/%d", loanID)
	if _, err := h.notifier.Notify(ctx, accountID, typ, msg, &link); err != nil {
		h.logger.Error("notify", "account_id", accountID, "loan_id", loanID, "error", err)
	}
}

// views resolves the usernames of every party to the given loans.
func (h *LoanHandler) views(loans []model.Loan) ([]model.LoanView, error) {
	ids := make([]int64, 0, len(loans)*2)
	for _, l := range loans {
		ids = append(ids, l.LoanerID, l.LoanedID)
	}
	names, err := h.accounts.UsernamesByID(ids)
	if err != nil {
		return nil, err
	}
	views := make([]model.LoanView, len(loans))
	for i, l := range loans {
		views[i] = model.LoanView{Loan: l, Loaner: names[l.LoanerID], Loaned: names[l.LoanedID]}
	}
	return views, nil
}

func (h *LoanHandler) writeLoan(w http.ResponseWriter, status int, loan *model.Loan) {
	views, err := h.views([]model.Loan{*loan})
	if err != nil {
		h.logger.Error("resolve loan parties", "loan_id", loan.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, status, views[0])
}

func (h *LoanHandler) writeLoanError(w http.ResponseWriter, op string, id int64, err error) {
	switch {
	case errors.Is(err, store.ErrLoanNotFound), errors.Is(err, store.ErrNotParty):
		writeError(w, http.StatusNotFound, "loan not found")
	case errors.Is(err, store.ErrNotApprover), errors.Is(err, store.ErrNotLoaner):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrAlreadyApproved), errors.Is(err, store.ErrAlreadyPaid), errors.Is(err, store.ErrNotApproved):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error(op, "loan_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
