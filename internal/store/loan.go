package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukerupert/loantracker/internal/model"
	"github.com/shopspring/decimal"
)

type LoanStore struct {
	db *sql.DB
}

func NewLoanStore(db *sql.DB) *LoanStore {
	return &LoanStore{db: db}
}

func scanLoan(scanner interface{ Scan(...any) error }) (*model.Loan, error) {
	var l model.Loan
	var proofs string
	var paid, approved int

	err := scanner.Scan(
		&l.ID, &l.LoanerID, &l.LoanedID, &l.CreatedBy, &l.Amount, &l.Currency,
		&l.TimeExpires, &l.TimeCreated, &proofs, &paid, &approved,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(proofs), &l.Proofs); err != nil {
		return nil, fmt.Errorf("decode proofs: %w", err)
	}
	if l.Proofs == nil {
		l.Proofs = []string{}
	}
	l.Paid = paid != 0
	l.Approved = approved != 0
	return &l, nil
}

const loanCols = `id, loaner_id, loaned_id, created_by, amount, currency, time_expires, time_created, proofs, paid, approved`

// NewLoan holds the fields required to record a loan.
type NewLoan struct {
	LoanerID    int64
	LoanedID    int64
	CreatedBy   int64
	Amount      decimal.Decimal
	Currency    string
	TimeExpires time.Time
}

// Create inserts the loan and, in the same transaction, records its id on the
// loaner's loaned list, the loaned party's loans list and the approver's
// to_approve list.
func (s *LoanStore) Create(nl NewLoan) (*model.Loan, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`INSERT INTO loans (loaner_id, loaned_id, created_by, amount, currency, time_expires) VALUES (?, ?, ?, ?, ?, ?)`,
		nl.LoanerID, nl.LoanedID, nl.CreatedBy, nl.Amount.String(), nl.Currency, nl.TimeExpires.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert loan: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	approver := nl.LoanerID
	if nl.CreatedBy == nl.LoanerID {
		approver = nl.LoanedID
	}

	if err := editLists(tx, nl.LoanerID, func(l *accountLists) { l.loaned = l.loaned.With(id) }); err != nil {
		return nil, err
	}
	if err := editLists(tx, nl.LoanedID, func(l *accountLists) { l.loans = l.loans.With(id) }); err != nil {
		return nil, err
	}
	if err := editLists(tx, approver, func(l *accountLists) { l.toApprove = l.toApprove.With(id) }); err != nil {
		return nil, err
	}

	loan, err := getLoan(tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return loan, nil
}

func (s *LoanStore) GetByID(id int64) (*model.Loan, error) {
	row := s.db.QueryRow(`SELECT `+loanCols+` FROM loans WHERE id = ?`, id)
	l, err := scanLoan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get loan: %w", err)
	}
	return l, nil
}

// ListByIDs returns the loans with the given ids, newest first. Unknown ids are skipped.
func (s *LoanStore) ListByIDs(ids []int64) ([]model.Loan, error) {
	if len(ids) == 0 {
		return []model.Loan{}, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.Query(
		`SELECT `+loanCols+` FROM loans WHERE id IN (`+placeholders(len(ids))+`) ORDER BY time_created DESC, id DESC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list loans by ids: %w", err)
	}
	defer rows.Close()
	return collectLoans(rows)
}

// ListForAccount returns every loan the account is a party to, paid or not.
func (s *LoanStore) ListForAccount(accountID int64) ([]model.Loan, error) {
	rows, err := s.db.Query(
		`SELECT `+loanCols+` FROM loans WHERE loaner_id = ? OR loaned_id = ? ORDER BY time_created DESC, id DESC`,
		accountID, accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list loans for account: %w", err)
	}
	defer rows.Close()
	return collectLoans(rows)
}

// Approve marks the loan approved on behalf of accountID and removes it from
// both parties' to_approve lists.
func (s *LoanStore) Approve(id, accountID int64) (*model.Loan, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	loan, err := getLoan(tx, id)
	if err != nil {
		return nil, err
	}
	if !loan.IsParty(accountID) {
		return nil, ErrNotParty
	}
	if loan.Approved {
		return nil, ErrAlreadyApproved
	}
	lists, err := readLists(tx, accountID)
	if err != nil {
		return nil, err
	}
	if loan.Approver() != accountID && !lists.toApprove.Contains(id) {
		return nil, ErrNotApprover
	}

	if _, err := tx.Exec(`UPDATE loans SET approved = 1 WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("approve loan: %w", err)
	}
	for _, party := range []int64{loan.LoanerID, loan.LoanedID} {
		if err := editLists(tx, party, func(l *accountLists) { l.toApprove = l.toApprove.Without(id) }); err != nil {
			return nil, err
		}
	}

	loan, err = getLoan(tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return loan, nil
}

// MarkPaid settles an approved loan. Only the loaner may do so. The loan id is
// dropped from every denormalized list of both parties.
func (s *LoanStore) MarkPaid(id, accountID int64) (*model.Loan, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	loan, err := getLoan(tx, id)
	if err != nil {
		return nil, err
	}
	if !loan.IsParty(accountID) {
		return nil, ErrNotParty
	}
	if loan.LoanerID != accountID {
		return nil, ErrNotLoaner
	}
	if loan.Paid {
		return nil, ErrAlreadyPaid
	}
	if !loan.Approved {
		return nil, ErrNotApproved
	}

	if _, err := tx.Exec(`UPDATE loans SET paid = 1 WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("mark loan paid: %w", err)
	}
	for _, party := range []int64{loan.LoanerID, loan.LoanedID} {
		err := editLists(tx, party, func(l *accountLists) {
			l.loans = l.loans.Without(id)
			l.loaned = l.loaned.Without(id)
			l.toApprove = l.toApprove.Without(id)
		})
		if err != nil {
			return nil, err
		}
	}

	loan, err = getLoan(tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return loan, nil
}

// AddProof appends a proof link to the loan. Either party may add proofs.
func (s *LoanStore) AddProof(id, accountID int64, link string) (*model.Loan, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	loan, err := getLoan(tx, id)
	if err != nil {
		return nil, err
	}
	if !loan.IsParty(accountID) {
		return nil, ErrNotParty
	}

	proofs, err := json.Marshal(append(loan.Proofs, link))
	if err != nil {
		return nil, fmt.Errorf("encode proofs: %w", err)
	}
	if _, err := tx.Exec(`UPDATE loans SET proofs = ? WHERE id = ?`, string(proofs), id); err != nil {
		return nil, fmt.Errorf("update proofs: %w", err)
	}

	loan, err = getLoan(tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return loan, nil
}

func getLoan(tx *sql.Tx, id int64) (*model.Loan, error) {
	l, err := scanLoan(tx.QueryRow(`SELECT `+loanCols+` FROM loans WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrLoanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get loan: %w", err)
	}
	return l, nil
}

func collectLoans(rows *sql.Rows) ([]model.Loan, error) {
	loans := []model.Loan{}
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan loan: %w", err)
		}
		loans = append(loans, *l)
	}
	return loans, rows.Err()
}

// ListDueForReminder returns approved, unpaid loans expiring at or before
// the given time that have not been reminded yet.
func (s *LoanStore) ListDueForReminder(before time.Time) ([]model.Loan, error) {
	rows, err := s.db.Query(
		`SELECT `+loanCols+` FROM loans
		 WHERE approved = 1 AND paid = 0 AND reminded = 0 AND time_expires <= ?
		 ORDER BY time_expires, id`,
		before.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list loans due for reminder: %w", err)
	}
	defer rows.Close()
	return collectLoans(rows)
}

func (s *LoanStore) MarkReminded(id int64) error {
	_, err := s.db.Exec(`UPDATE loans SET reminded = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark loan reminded: %w", err)
	}
	return nil
}
