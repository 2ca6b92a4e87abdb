package model

import "time"

type Account struct {
	ID                   int64     `json:"id"`
	Username             string    `json:"username"`
	PasswordHash         string    `json:"-"`
	Salt                 string    `json:"-"`
	DisplayName          string    `json:"display_name"`
	Country              string    `json:"country"`
	Pfp                  *string   `json:"pfp"`
	IP                   string    `json:"-"`
	Loans                IDList    `json:"loans"`
	Loaned               IDList    `json:"loaned"`
	ToApprove            IDList    `json:"to_approve"`
	TimeCreated          time.Time `json:"time_created"`
	Verified             bool      `json:"verified"`
	IDVerificationNumber *string   `json:"-"`
}

// PublicProfile is the subset of an account visible to other users.
type PublicProfile struct {
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Country     string    `json:"country"`
	Pfp         *string   `json:"pfp"`
	Verified    bool      `json:"verified"`
	TimeCreated time.Time `json:"time_created"`
}

func (a *Account) Public() PublicProfile {
	return PublicProfile{
		Username:    a.Username,
		DisplayName: a.DisplayName,
		Country:     a.Country,
		Pfp:         a.Pfp,
		Verified:    a.Verified,
		TimeCreated: a.TimeCreated,
	}
}

// AccountUpdate carries the profile fields a user may change. Nil fields are left as-is.
type AccountUpdate struct {
	DisplayName          *string
	Pfp                  *string
	PasswordHash         *string
	Salt                 *string
	IDVerificationNumber *string
}
