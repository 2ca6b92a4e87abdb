package store

import (
	"database/sql"
	"fmt"

	"github.com/dukerupert/loantracker/internal/model"
)

type NotificationStore struct {
	db *sql.DB
}

func NewNotificationStore(db *sql.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

func scanNotification(scanner interface{ Scan(...any) error }) (*model.Notification, error) {
	var n model.Notification
	var link sql.NullString
	var read int

	err := scanner.Scan(&n.ID, &n.AccountID, &n.Type, &n.Message, &link, &read, &n.TimeCreated)
	if err != nil {
		return nil, err
	}

	if link.Valid {
		n.Link = &link.String
	}
	n.Read = read != 0
	return &n, nil
}

const notificationCols = `id, account_id, type, message, link, read, time_created`

func (s *NotificationStore) Create(accountID int64, typ, message string, link *string) (*model.Notification, error) {
	if !model.ValidNotificationType(typ) {
		return nil, fmt.Errorf("insert notification: invalid type %q", typ)
	}
	result, err := s.db.Exec(
		`INSERT INTO notifications (account_id, type, message, link) VALUES (?, ?, ?, ?)`,
		accountID, typ, message, link,
	)
	if err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id, accountID)
}

func (s *NotificationStore) GetByID(id, accountID int64) (*model.Notification, error) {
	row := s.db.QueryRow(`SELECT `+notificationCols+` FROM notifications WHERE id = ? AND account_id = ?`, id, accountID)
	n, err := scanNotification(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return n, nil
}

// List returns the account's notifications, newest first.
func (s *NotificationStore) List(accountID int64, unreadOnly bool) ([]model.Notification, error) {
	query := `SELECT ` + notificationCols + ` FROM notifications WHERE account_id = ?`
	if unreadOnly {
		query += ` AND read = 0`
	}
	query += ` ORDER BY time_created DESC, id DESC`

	rows, err := s.db.Query(query, accountID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, *n)
	}
	return notifications, rows.Err()
}

func (s *NotificationStore) UnreadCount(accountID int64) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM notifications WHERE account_id = ? AND read = 0`, accountID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

// MarkRead marks the given notifications read. Ids owned by other accounts are ignored.
func (s *NotificationStore) MarkRead(accountID int64, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{accountID}
	for _, id := range ids {
		args = append(args, id)
	}
	result, err := s.db.Exec(
		`UPDATE notifications SET read = 1 WHERE account_id = ? AND id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	return result.RowsAffected()
}

func (s *NotificationStore) MarkAllRead(accountID int64) (int64, error) {
	result, err := s.db.Exec(`UPDATE notifications SET read = 1 WHERE account_id = ? AND read = 0`, accountID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return result.RowsAffected()
}

// Delete removes a notification owned by accountID. It reports whether a row was deleted.
func (s *NotificationStore) Delete(id, accountID int64) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM notifications WHERE id = ? AND account_id = ?`, id, accountID)
	if err != nil {
		return false, fmt.Errorf("delete notification: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
