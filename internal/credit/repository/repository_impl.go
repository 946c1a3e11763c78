package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tabulahq/tabula/internal/credit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) GetBalance(ctx context.Context, db *gorm.DB, userID snowflake.ID, model domain.Model) (*domain.Balance, error) {
	var item domain.Balance
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, model, available, allocation, created_at, updated_at
		 FROM balances
		 WHERE user_id = ? AND model = ?
		 LIMIT 1`,
		userID,
		model,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListBalances(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]domain.Balance, error) {
	var items []domain.Balance
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, model, available, allocation, created_at, updated_at
		 FROM balances
		 WHERE user_id = ?
		 ORDER BY model`,
		userID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// DeductBalance is the linearization point for concurrent deductions: the
// availability check sits inside the UPDATE's WHERE clause, so of N racing
// decrements against the same row only those the store serializes in budget
// succeed.
func (r *repo) DeductBalance(ctx context.Context, db *gorm.DB, userID snowflake.ID, model domain.Model, amount int64) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE balances
		 SET available = available - ?, updated_at = ?
		 WHERE user_id = ? AND model = ? AND available >= ?`,
		amount,
		time.Now().UTC(),
		userID,
		model,
		amount,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) UpsertCredit(ctx context.Context, db *gorm.DB, id snowflake.ID, userID snowflake.ID, model domain.Model, credits int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO balances (id, user_id, model, available, allocation, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, model) DO UPDATE SET
			available = balances.available + excluded.available,
			allocation = balances.allocation + excluded.allocation,
			updated_at = excluded.updated_at`,
		id,
		userID,
		model,
		credits,
		credits,
		now,
		now,
	).Error
}

func (r *repo) InsertProcessedEvent(ctx context.Context, db *gorm.DB, event *domain.ProcessedPaymentEvent) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO processed_payment_events (
			id, event_id, user_id, amount, granted_credits, processed_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		event.ID,
		event.EventID,
		event.UserID,
		event.Amount,
		event.GrantedCredits,
		event.ProcessedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindProcessedEvent(ctx context.Context, db *gorm.DB, eventID string) (*domain.ProcessedPaymentEvent, error) {
	var item domain.ProcessedPaymentEvent
	err := db.WithContext(ctx).Raw(
		`SELECT id, event_id, user_id, amount, granted_credits, processed_at
		 FROM processed_payment_events
		 WHERE event_id = ?
		 LIMIT 1`,
		eventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) SumGrants(ctx context.Context, db *gorm.DB, userID snowflake.ID, model domain.Model) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(credits), 0) FROM credit_grants WHERE user_id = ? AND model = ?`,
		userID,
		model,
	).Scan(&total).Error
	return total, err
}

func (r *repo) SumUsage(ctx context.Context, db *gorm.DB, userID snowflake.ID, model domain.Model) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) FROM usage_records WHERE user_id = ? AND model = ?`,
		userID,
		model,
	).Scan(&total).Error
	return total, err
}
