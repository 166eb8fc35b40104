package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/omnitool-app/omnitool/app/models"
	"github.com/omnitool-app/omnitool/internal/pkg/config"
)

const mongoConnectTimeout = 10 * time.Second

type mongoStore struct {
	db *mongo.Database
}

// NewMongoStore connects to the CN-region MongoDB backend and ensures the
// unique indexes that back the check-then-act idempotency pattern.
func NewMongoStore(ctx context.Context, cfg config.MongoConfig) (Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	s := &mongoStore{db: client.Database(cfg.Database)}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("mongo indexes: %w", err)
	}
	return s, nil
}

// NewMongoStoreFromDatabase wraps an existing database handle (used by tests).
func NewMongoStoreFromDatabase(db *mongo.Database) Store {
	return &mongoStore{db: db}
}

func (s *mongoStore) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	indexes := map[string]mongo.IndexModel{
		"users":               {Keys: bson.D{{Key: "email", Value: 1}}, Options: unique},
		"payments":            {Keys: bson.D{{Key: "payment_id", Value: 1}}, Options: unique},
		"subscriptions":       {Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "plan_id", Value: 1}}, Options: unique},
		"credit_transactions": {Keys: bson.D{{Key: "reference_id", Value: 1}}, Options: unique},
		"webhook_events":      {Keys: bson.D{{Key: "provider", Value: 1}, {Key: "provider_event_id", Value: 1}}, Options: unique},
	}
	for coll, model := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateOne(ctx, model); err != nil {
			return err
		}
	}
	return nil
}

func (s *mongoStore) Backend() string { return "mongo" }

func (s *mongoStore) users() *mongo.Collection         { return s.db.Collection("users") }
func (s *mongoStore) payments() *mongo.Collection      { return s.db.Collection("payments") }
func (s *mongoStore) subscriptions() *mongo.Collection { return s.db.Collection("subscriptions") }
func (s *mongoStore) credits() *mongo.Collection       { return s.db.Collection("credit_transactions") }
func (s *mongoStore) webhookEvents() *mongo.Collection { return s.db.Collection("webhook_events") }

func (s *mongoStore) GetUserByID(ctx context.Context, id uint) (*models.User, error) {
	var u models.User
	err := s.users().FindOne(ctx, bson.M{"user_id": id}).Decode(&u)
	if err != nil {
		return nil, mapMongoErr(err)
	}
	return &u, nil
}

func (s *mongoStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.users().FindOne(ctx, bson.M{"email": models.NormalizeEmail(email)}).Decode(&u)
	if err != nil {
		return nil, mapMongoErr(err)
	}
	return &u, nil
}

func (s *mongoStore) SaveUserProfile(ctx context.Context, user *models.User) error {
	_, err := s.users().UpdateOne(ctx,
		bson.M{"user_id": user.ID},
		bson.M{"$set": bson.M{
			"is_pro":            user.IsPro,
			"subscription_tier": user.SubscriptionTier,
			"pro_expire_at":     user.ProExpireAt,
			"credits":           user.Credits,
			"updated_at":        time.Now(),
		}},
	)
	return err
}

func (s *mongoStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	_, err := s.payments().InsertOne(ctx, p)
	return mapMongoErr(err)
}

func (s *mongoStore) GetPaymentByID(ctx context.Context, id string) (*models.Payment, error) {
	var p models.Payment
	err := s.payments().FindOne(ctx, bson.M{"payment_id": id}).Decode(&p)
	if err != nil {
		return nil, mapMongoErr(err)
	}
	return &p, nil
}

func (s *mongoStore) GetPaymentByProviderRef(ctx context.Context, method, providerRef string) (*models.Payment, error) {
	var p models.Payment
	err := s.payments().FindOne(ctx, bson.M{"method": method, "provider_ref": providerRef}).Decode(&p)
	if err != nil {
		return nil, mapMongoErr(err)
	}
	return &p, nil
}

func (s *mongoStore) GetPaymentByProviderTxn(ctx context.Context, method, txnID string) (*models.Payment, error) {
	var p models.Payment
	err := s.payments().FindOne(ctx, bson.M{"method": method, "provider_txn_id": txnID}).Decode(&p)
	if err != nil {
		return nil, mapMongoErr(err)
	}
	return &p, nil
}

func (s *mongoStore) UpdatePayment(ctx context.Context, p *models.Payment) error {
	p.UpdatedAt = time.Now()
	_, err := s.payments().ReplaceOne(ctx, bson.M{"payment_id": p.ID}, p)
	return err
}

func (s *mongoStore) GetSubscription(ctx context.Context, userID uint, planID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.subscriptions().FindOne(ctx, bson.M{"user_id": userID, "plan_id": planID}).Decode(&sub)
	if err != nil {
		return nil, mapMongoErr(err)
	}
	return &sub, nil
}

func (s *mongoStore) GetSubscriptionByTxn(ctx context.Context, provider, txnID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.subscriptions().FindOne(ctx, bson.M{"provider": provider, "provider_txn_id": txnID}).Decode(&sub)
	if err != nil {
		return nil, mapMongoErr(err)
	}
	return &sub, nil
}

func (s *mongoStore) GetUserSubscriptionByProvider(ctx context.Context, userID uint, provider string) (*models.Subscription, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	var sub models.Subscription
	err := s.subscriptions().FindOne(ctx, bson.M{"user_id": userID, "provider": provider}, opts).Decode(&sub)
	if err != nil {
		return nil, mapMongoErr(err)
	}
	return &sub, nil
}

func (s *mongoStore) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	now := time.Now()
	sub.UpdatedAt = now
	_, err := s.subscriptions().UpdateOne(ctx,
		bson.M{"user_id": sub.UserID, "plan_id": sub.PlanID},
		bson.M{
			"$set": bson.M{
				"status":               sub.Status,
				"provider":             sub.Provider,
				"provider_txn_id":      sub.ProviderTxnID,
				"provider_receipt":     sub.ProviderReceipt,
				"current_period_start": sub.CurrentPeriodStart,
				"current_period_end":   sub.CurrentPeriodEnd,
				"cancel_at_period_end": sub.CancelAtPeriodEnd,
				"updated_at":           now,
			},
			"$setOnInsert": bson.M{"created_at": now},
		},
		options.Update().SetUpsert(true),
	)
	return mapMongoErr(err)
}

func (s *mongoStore) GetCreditTransactionByReference(ctx context.Context, referenceID string) (*models.CreditTransaction, error) {
	var t models.CreditTransaction
	err := s.credits().FindOne(ctx, bson.M{"reference_id": referenceID}).Decode(&t)
	if err != nil {
		return nil, mapMongoErr(err)
	}
	return &t, nil
}

func (s *mongoStore) AppendCreditTransaction(ctx context.Context, t *models.CreditTransaction) (bool, error) {
	t.CreatedAt = time.Now()
	_, err := s.credits().InsertOne(ctx, t)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *mongoStore) CreditBalance(ctx context.Context, userID uint) (int64, error) {
	cursor, err := s.credits().Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"user_id": userID}}},
		{{Key: "$group", Value: bson.M{"_id": nil, "balance": bson.M{"$sum": "$amount"}}}},
	})
	if err != nil {
		return 0, err
	}
	defer cursor.Close(ctx)

	var result []struct {
		Balance int64 `bson:"balance"`
	}
	if err := cursor.All(ctx, &result); err != nil {
		return 0, err
	}
	if len(result) == 0 {
		return 0, nil
	}
	return result[0].Balance, nil
}

func (s *mongoStore) CreateWebhookEventIfNotExists(ctx context.Context, ev *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	ev.CreatedAt = time.Now()
	ev.UpdatedAt = ev.CreatedAt
	_, err := s.webhookEvents().InsertOne(ctx, ev)
	if err == nil {
		return true, ev, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return false, nil, err
	}

	var stored models.WebhookEvent
	findErr := s.webhookEvents().
		FindOne(ctx, bson.M{"provider": ev.Provider, "provider_event_id": ev.ProviderEventID}).
		Decode(&stored)
	if findErr != nil {
		return false, nil, mapMongoErr(findErr)
	}
	return false, &stored, nil
}

func (s *mongoStore) UpdateWebhookEvent(ctx context.Context, ev *models.WebhookEvent) error {
	_, err := s.webhookEvents().UpdateOne(ctx,
		bson.M{"provider": ev.Provider, "provider_event_id": ev.ProviderEventID},
		bson.M{"$set": bson.M{
			"status":        ev.Status,
			"txn_id":        ev.TxnID,
			"error_message": ev.ErrorMessage,
			"processed_at":  ev.ProcessedAt,
			"updated_at":    time.Now(),
		}},
	)
	return err
}

func mapMongoErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}
