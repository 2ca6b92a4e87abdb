package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Loan struct {
	ID          int64           `json:"id"`
	LoanerID    int64           `json:"loaner_id"`
	LoanedID    int64           `json:"loaned_id"`
	CreatedBy   int64           `json:"created_by"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	TimeExpires time.Time       `json:"time_expires"`
	TimeCreated time.Time       `json:"time_created"`
	Proofs      []string        `json:"proofs"`
	Paid        bool            `json:"paid"`
	Approved    bool            `json:"approved"`
}

// Counterparty returns the party of the loan that is not accountID.
func (l *Loan) Counterparty(accountID int64) int64 {
	if l.LoanerID == accountID {
		return l.LoanedID
	}
	return l.LoanerID
}

// Approver is the party expected to confirm the loan: whoever did not create it.
func (l *Loan) Approver() int64 {
	return l.Counterparty(l.CreatedBy)
}

func (l *Loan) IsParty(accountID int64) bool {
	return l.LoanerID == accountID || l.LoanedID == accountID
}

// LoanView is a loan with both parties resolved to usernames.
type LoanView struct {
	Loan
	Loaner string `json:"loaner"`
	Loaned string `json:"loaned"`
}
