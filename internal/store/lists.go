package store

import (
	"database/sql"
	"fmt"

	"github.com/dukerupert/loantracker/internal/model"
)

// accountLists mirrors the denormalized loan id columns of an account row.
type accountLists struct {
	loans     model.IDList
	loaned    model.IDList
	toApprove model.IDList
}

func readLists(tx *sql.Tx, accountID int64) (*accountLists, error) {
	var l accountLists
	err := tx.QueryRow(
		`SELECT loans, loaned, to_approve FROM accounts WHERE id = ?`, accountID,
	).Scan(&l.loans, &l.loaned, &l.toApprove)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("read loan lists: account %d not found", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("read loan lists: %w", err)
	}
	return &l, nil
}

func writeLists(tx *sql.Tx, accountID int64, l *accountLists) error {
	_, err := tx.Exec(
		`UPDATE accounts SET loans = ?, loaned = ?, to_approve = ? WHERE id = ?`,
		l.loans, l.loaned, l.toApprove, accountID,
	)
	if err != nil {
		return fmt.Errorf("write loan lists: %w", err)
	}
	return nil
}

func editLists(tx *sql.Tx, accountID int64, edit func(*accountLists)) error {
	l, err := readLists(tx, accountID)
	if err != nil {
		return err
	}
	edit(l)
	return writeLists(tx, accountID, l)
}

// SyncReport summarizes a Resync run.
type SyncReport struct {
	Accounts int `json:"accounts"`
	Changed  int `json:"changed"`
}

// Resync rebuilds every account's loans, loaned and to_approve lists from the
// loans table. Unpaid loans are listed; unapproved ones also appear on the
// approver's to_approve list.
func (s *LoanStore) Resync() (SyncReport, error) {
	var report SyncReport

	tx, err := s.db.Begin()
	if err != nil {
		return report, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	want := map[int64]*accountLists{}
	current := map[int64]*accountLists{}

	rows, err := tx.Query(`SELECT id, loans, loaned, to_approve FROM accounts ORDER BY id`)
	if err != nil {
		return report, fmt.Errorf("list accounts: %w", err)
	}
	for rows.Next() {
		var id int64
		var l accountLists
		if err := rows.Scan(&id, &l.loans, &l.loaned, &l.toApprove); err != nil {
			rows.Close()
			return report, fmt.Errorf("scan account lists: %w", err)
		}
		current[id] = &l
		want[id] = &accountLists{loans: model.IDList{}, loaned: model.IDList{}, toApprove: model.IDList{}}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return report, fmt.Errorf("iterate accounts: %w", err)
	}

	rows, err = tx.Query(`SELECT ` + loanCols + ` FROM loans WHERE paid = 0 ORDER BY id`)
	if err != nil {
		return report, fmt.Errorf("list unpaid loans: %w", err)
	}
	loans, err := collectLoans(rows)
	rows.Close()
	if err != nil {
		return report, err
	}

	for _, loan := range loans {
		if w, ok := want[loan.LoanerID]; ok {
			w.loaned = w.loaned.With(loan.ID)
		}
		if w, ok := want[loan.LoanedID]; ok {
			w.loans = w.loans.With(loan.ID)
		}
		if !loan.Approved {
			if w, ok := want[loan.Approver()]; ok {
				w.toApprove = w.toApprove.With(loan.ID)
			}
		}
	}

	for id, w := range want {
		report.Accounts++
		if sameLists(current[id], w) {
			continue
		}
		if err := writeLists(tx, id, w); err != nil {
			return report, err
		}
		report.Changed++
	}

	if err := tx.Commit(); err != nil {
		return report, fmt.Errorf("commit: %w", err)
	}
	return report, nil
}

func sameLists(a, b *accountLists) bool {
	return sameIDs(a.loans, b.loans) && sameIDs(a.loaned, b.loaned) && sameIDs(a.toApprove, b.toApprove)
}

func sameIDs(a, b model.IDList) bool {
	if len(a) != len(b) {
		return false
	}
	for _, id := range a {
		if !b.Contains(id) {
			return false
		}
	}
	return true
}
