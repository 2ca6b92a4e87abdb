package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/loantracker/internal/model"
	"github.com/dukerupert/loantracker/internal/store"
)

// Reminder periodically notifies borrowers of approved loans that are due
// within the lead time. Each loan is reminded once.
type Reminder struct {
	mu       sync.RWMutex
	notifier *Service
	loans    *store.LoanStore
	accounts *store.AccountStore
	logger   *slog.Logger
	interval time.Duration
	lead     time.Duration
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewReminder(notifier *Service, loans *store.LoanStore, accounts *store.AccountStore, logger *slog.Logger) *Reminder {
	return &Reminder{
		notifier: notifier,
		loans:    loans,
		accounts: accounts,
		logger:   logger,
		interval: time.Hour,
		lead:     24 * time.Hour,
		now:      time.Now,
	}
}

// Start begins the reminder loop. The first check runs immediately.
func (r *Reminder) Start(ctx context.Context) {
	r.mu.Lock()
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.mu.Unlock()

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.Tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Tick(ctx)
			}
		}
	}()
}

// Stop gracefully stops the reminder loop.
func (r *Reminder) Stop() {
	r.mu.RLock()
	cancel := r.cancel
	done := r.done
	r.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Tick sends reminders for every loan currently due and returns how many were sent.
func (r *Reminder) Tick(ctx context.Context) int {
	due, err := r.loans.ListDueForReminder(r.now().Add(r.lead))
	if err != nil {
		r.logger.Error("list loans due", "error", err)
		return 0
	}

	sent := 0
	for _, loan := range due {
		if ctx.Err() != nil {
			return sent
		}
		if err := r.remind(ctx, &loan); err != nil {
			r.logger.Error("send loan reminder", "loan_id", loan.ID, "error", err)
			continue
		}
		sent++
	}
	if sent > 0 {
		r.logger.Info("sent loan reminders", "count", sent)
	}
	return sent
}

func (r *Reminder) remind(ctx context.Context, loan *model.Loan) error {
	names, err := r.accounts.UsernamesByID([]int64{loan.LoanerID})
	if err != nil {
		return err
	}

	verb := "is due"
	if !loan.TimeExpires.After(r.now()) {
		verb = "was due"
	}
	msg := fmt.Sprintf("Your loan of %s %s from %s %s on %s",
		loan.Amount.StringFixed(2), loan.Currency, names[loan.LoanerID], verb, loan.TimeExpires.Format("2006-01-02"))
	link := fmt.Sprintf("/loans/%d", loan.ID)

	if _, err := r.notifier.Notify(ctx, loan.LoanedID, model.NotifTypeSystem, msg, &link); err != nil {
		return err
	}
	return r.loans.MarkReminded(loan.ID)
}
