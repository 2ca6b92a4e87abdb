package model

import "time"

// Notification type constants
const (
	NotifTypeApproval = "approval"
	NotifTypeMessage  = "message"
	NotifTypeSystem   = "system"
)

func ValidNotificationType(t string) bool {
	switch t {
	case NotifTypeApproval, NotifTypeMessage, NotifTypeSystem:
		return true
	}
	return false
}

type Notification struct {
	ID          int64     `json:"id"`
	AccountID   int64     `json:"account_id"`
	Type        string    `json:"type"`
	Message     string    `json:"message"`
	Link        *string   `json:"link"`
	Read        bool      `json:"read"`
	TimeCreated time.Time `json:"time_created"`
}
