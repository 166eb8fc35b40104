package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/omnitool-app/omnitool/app/models"
	"github.com/omnitool-app/omnitool/internal/pkg/config"
)

const (
	mysqlMaxRetries = 5
	mysqlRetryDelay = 5 * time.Second
)

type mysqlStore struct {
	db *gorm.DB
}

// NewMySQLStore connects to the global-region MySQL backend and migrates
// the payment core tables.
func NewMySQLStore(cfg config.MySQLConfig) (Store, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)

	var db *gorm.DB
	var err error
	for i := 0; i < mysqlMaxRetries; i++ {
		db, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                      dsn,
			DefaultStringSize:        256,
			DisableDatetimePrecision: true,
		}), gormConfig())
		if err == nil {
			break
		}
		log.Warnf("mysql connect failed (try %d/%d): %v", i+1, mysqlMaxRetries, err)
		if i < mysqlMaxRetries-1 {
			time.Sleep(mysqlRetryDelay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("mysql connect: %w", err)
	}

	if err := db.AutoMigrate(
		&models.User{},
		&models.Payment{},
		&models.WebhookEvent{},
		&models.Subscription{},
		&models.CreditTransaction{},
	); err != nil {
		return nil, fmt.Errorf("mysql migrate: %w", err)
	}

	return &mysqlStore{db: db}, nil
}

// NewMySQLStoreFromDB wraps an existing GORM handle (used by tests).
func NewMySQLStoreFromDB(db *gorm.DB) Store {
	return &mysqlStore{db: db}
}

func (s *mysqlStore) Backend() string { return "mysql" }

func (s *mysqlStore) GetUserByID(ctx context.Context, id uint) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, mapGormErr(err)
	}
	return &u, nil
}

func (s *mysqlStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.db.WithContext(ctx).Where("email = ?", models.NormalizeEmail(email)).First(&u).Error
	if err != nil {
		return nil, mapGormErr(err)
	}
	return &u, nil
}

func (s *mysqlStore) SaveUserProfile(ctx context.Context, user *models.User) error {
	return s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
		"is_pro":            user.IsPro,
		"subscription_tier": user.SubscriptionTier,
		"pro_expire_at":     user.ProExpireAt,
		"credits":           user.Credits,
	}).Error
}

func (s *mysqlStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return mapGormErr(err)
	}
	return nil
}

func (s *mysqlStore) GetPaymentByID(ctx context.Context, id string) (*models.Payment, error) {
	var p models.Payment
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, mapGormErr(err)
	}
	return &p, nil
}

func (s *mysqlStore) GetPaymentByProviderRef(ctx context.Context, method, providerRef string) (*models.Payment, error) {
	var p models.Payment
	err := s.db.WithContext(ctx).
		Where("method = ? AND provider_ref = ?", method, providerRef).
		First(&p).Error
	if err != nil {
		return nil, mapGormErr(err)
	}
	return &p, nil
}

func (s *mysqlStore) GetPaymentByProviderTxn(ctx context.Context, method, txnID string) (*models.Payment, error) {
	var p models.Payment
	err := s.db.WithContext(ctx).
		Where("method = ? AND provider_txn_id = ?", method, txnID).
		First(&p).Error
	if err != nil {
		return nil, mapGormErr(err)
	}
	return &p, nil
}

func (s *mysqlStore) UpdatePayment(ctx context.Context, p *models.Payment) error {
	return s.db.WithContext(ctx).Save(p).Error
}

func (s *mysqlStore) GetSubscription(ctx context.Context, userID uint, planID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND plan_id = ?", userID, planID).
		First(&sub).Error
	if err != nil {
		return nil, mapGormErr(err)
	}
	return &sub, nil
}

func (s *mysqlStore) GetSubscriptionByTxn(ctx context.Context, provider, txnID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_txn_id = ?", provider, txnID).
		First(&sub).Error
	if err != nil {
		return nil, mapGormErr(err)
	}
	return &sub, nil
}

func (s *mysqlStore) GetUserSubscriptionByProvider(ctx context.Context, userID uint, provider string) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Order("updated_at DESC").
		First(&sub).Error
	if err != nil {
		return nil, mapGormErr(err)
	}
	return &sub, nil
}

func (s *mysqlStore) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"},
			{Name: "plan_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"status",
			"provider",
			"provider_txn_id",
			"provider_receipt",
			"current_period_start",
			"current_period_end",
			"cancel_at_period_end",
			"updated_at",
		}),
	}).Create(sub).Error; err != nil {
		return mapGormErr(err)
	}

	// Ensure ID is populated after upsert.
	return s.db.WithContext(ctx).
		Where("user_id = ? AND plan_id = ?", sub.UserID, sub.PlanID).
		First(sub).Error
}

func (s *mysqlStore) GetCreditTransactionByReference(ctx context.Context, referenceID string) (*models.CreditTransaction, error) {
	var t models.CreditTransaction
	err := s.db.WithContext(ctx).Where("reference_id = ?", referenceID).First(&t).Error
	if err != nil {
		return nil, mapGormErr(err)
	}
	return &t, nil
}

func (s *mysqlStore) AppendCreditTransaction(ctx context.Context, t *models.CreditTransaction) (bool, error) {
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "reference_id"}},
		DoNothing: true,
	}).Create(t)
	if tx.Error != nil {
		return false, mapGormErr(tx.Error)
	}
	return tx.RowsAffected > 0, nil
}

func (s *mysqlStore) CreditBalance(ctx context.Context, userID uint) (int64, error) {
	var balance *int64
	err := s.db.WithContext(ctx).
		Model(&models.CreditTransaction{}).
		Where("user_id = ?", userID).
		Select("SUM(amount)").
		Scan(&balance).Error
	if err != nil {
		return 0, err
	}
	if balance == nil {
		return 0, nil
	}
	return *balance, nil
}

func (s *mysqlStore) CreateWebhookEventIfNotExists(ctx context.Context, ev *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(ev)
	if tx.Error != nil {
		return false, nil, mapGormErr(tx.Error)
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", ev.Provider, ev.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, mapGormErr(err)
	}
	return created, &stored, nil
}

func (s *mysqlStore) UpdateWebhookEvent(ctx context.Context, ev *models.WebhookEvent) error {
	return s.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("provider = ? AND provider_event_id = ?", ev.Provider, ev.ProviderEventID).
		Updates(map[string]interface{}{
			"status":        ev.Status,
			"txn_id":        ev.TxnID,
			"error_message": ev.ErrorMessage,
			"processed_at":  ev.ProcessedAt,
		}).Error
}

// gormConfig enables driver error translation; without it the MySQL
// driver never yields gorm.ErrDuplicatedKey and mapGormErr cannot report
// ErrDuplicate on uniqueness violations.
func gormConfig() *gorm.Config {
	return &gorm.Config{TranslateError: true}
}

func mapGormErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}
