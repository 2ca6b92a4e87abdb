package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/loantracker/internal/model"
	"github.com/dukerupert/loantracker/internal/push"
	"github.com/dukerupert/loantracker/internal/store"
	ws "github.com/dukerupert/loantracker/internal/websocket"
)

const pushTimeout = 10 * time.Second

// Service records notifications and delivers them to the recipient's open
// websocket connections and web push subscriptions. The stored row is the
// source of truth; delivery failures are logged, never returned.
type Service struct {
	notifications *store.NotificationStore
	subs          *store.PushStore
	hub           *ws.Hub
	sender        *push.Service
	logger        *slog.Logger
}

// NewService wires delivery. sender may be nil when web push is not configured.
func NewService(notifications *store.NotificationStore, subs *store.PushStore, hub *ws.Hub, sender *push.Service, logger *slog.Logger) *Service {
	return &Service{
		notifications: notifications,
		subs:          subs,
		hub:           hub,
		sender:        sender,
		logger:        logger,
	}
}

func (s *Service) Notify(ctx context.Context, accountID int64, typ, message string, link *string) (*model.Notification, error) {
	n, err := s.notifications.Create(accountID, typ, message, link)
	if err != nil {
		return nil, fmt.Errorf("notify account %d: %w", accountID, err)
	}

	unread, err := s.notifications.UnreadCount(accountID)
	if err != nil {
		s.logger.Warn("count unread", "account_id", accountID, "error", err)
	}
	s.hub.SendTo(accountID, ws.NewMessage("notification", "created", n.ID, map[string]any{
		"notification": n,
		"unread":       unread,
	}))

	s.push(ctx, n)
	return n, nil
}

func (s *Service) push(ctx context.Context, n *model.Notification) {
	if s.sender == nil {
		return
	}

	subs, err := s.subs.ListByAccount(n.AccountID)
	if err != nil {
		s.logger.Error("list push subscriptions", "account_id", n.AccountID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
	defer cancel()

	payload := push.Payload{
		Title: pushTitle(n.Type),
		Body:  n.Message,
		Tag:   fmt.Sprintf("notification-%d", n.ID),
	}
	if n.Link != nil {
		payload.URL = *n.Link
	}

	for _, sub := range subs {
		if err := s.sender.Send(ctx, &sub, payload); err != nil {
			if errors.Is(err, push.ErrExpired) {
				if err := s.subs.DeleteByEndpoint(sub.Endpoint); err != nil {
					s.logger.Error("delete expired subscription", "error", err)
				}
				continue
			}
			s.logger.Warn("send push notification", "account_id", n.AccountID, "error", err)
		}
	}
}

func pushTitle(typ string) string {
	switch typ {
	case model.NotifTypeApproval:
		return "Loan awaiting approval"
	case model.NotifTypeMessage:
		return "New message"
	default:
		return "LoanTracker"
	}
}
