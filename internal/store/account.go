package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/dukerupert/loantracker/internal/model"
)

type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

func scanAccount(scanner interface{ Scan(...any) error }) (*model.Account, error) {
	var a model.Account
	var pfp, idv sql.NullString
	var verified int

	err := scanner.Scan(
		&a.ID, &a.Username, &a.PasswordHash, &a.Salt, &a.DisplayName, &a.Country,
		&pfp, &a.IP, &a.Loans, &a.Loaned, &a.ToApprove, &a.TimeCreated, &verified, &idv,
	)
	if err != nil {
		return nil, err
	}

	if pfp.Valid {
		a.Pfp = &pfp.String
	}
	if idv.Valid {
		a.IDVerificationNumber = &idv.String
	}
	a.Verified = verified != 0
	return &a, nil
}

const accountCols = `id, username, password, salt, display_name, country, pfp, ip, loans, loaned, to_approve, time_created, verified, id_verification_number`

// NewAccount holds the fields required to register an account.
type NewAccount struct {
	Username     string
	PasswordHash string
	Salt         string
	DisplayName  string
	Country      string
	IP           string
}

func (s *AccountStore) Create(na NewAccount) (*model.Account, error) {
	result, err := s.db.Exec(
		`INSERT INTO accounts (username, password, salt, display_name, country, ip) VALUES (?, ?, ?, ?, ?, ?)`,
		na.Username, na.PasswordHash, na.Salt, na.DisplayName, na.Country, na.IP,
	)
	if err != nil {
		switch uniqueViolation(err) {
		case "accounts.username":
			return nil, ErrUsernameTaken
		case "accounts.ip":
			return nil, ErrIPRegistered
		}
		return nil, fmt.Errorf("insert account: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *AccountStore) GetByID(id int64) (*model.Account, error) {
	row := s.db.QueryRow(`SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// GetByUsername looks an account up case-insensitively.
func (s *AccountStore) GetByUsername(username string) (*model.Account, error) {
	row := s.db.QueryRow(`SELECT `+accountCols+` FROM accounts WHERE username = ? COLLATE NOCASE`, username)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account by username: %w", err)
	}
	return a, nil
}

func (s *AccountStore) UsernameExists(username string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM accounts WHERE username = ? COLLATE NOCASE`, username).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check username: %w", err)
	}
	return count > 0, nil
}

func (s *AccountStore) IPRegistered(ip string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM accounts WHERE ip = ?`, ip).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check ip: %w", err)
	}
	return count > 0, nil
}

// UsernamesByID resolves a set of account ids to usernames.
func (s *AccountStore) UsernamesByID(ids []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.Query(
		`SELECT id, username FROM accounts WHERE id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list usernames: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan username: %w", err)
		}
		out[id] = name
	}
	return out, rows.Err()
}

// Update applies the non-nil fields of u. Storing an id verification number
// marks the account verified.
func (s *AccountStore) Update(id int64, u model.AccountUpdate) (*model.Account, error) {
	var sets []string
	var args []any
	if u.DisplayName != nil {
		sets = append(sets, "display_name = ?")
		args = append(args, *u.DisplayName)
	}
	if u.Pfp != nil {
		sets = append(sets, "pfp = ?")
		if *u.Pfp == "" {
			args = append(args, nil)
		} else {
			args = append(args, *u.Pfp)
		}
	}
	if u.PasswordHash != nil && u.Salt != nil {
		sets = append(sets, "password = ?", "salt = ?")
		args = append(args, *u.PasswordHash, *u.Salt)
	}
	if u.IDVerificationNumber != nil {
		sets = append(sets, "id_verification_number = ?", "verified = 1")
		args = append(args, *u.IDVerificationNumber)
	}
	if len(sets) == 0 {
		return s.GetByID(id)
	}

	args = append(args, id)
	_, err := s.db.Exec(`UPDATE accounts SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update account: %w", err)
	}
	return s.GetByID(id)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
