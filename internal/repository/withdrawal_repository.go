package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"payout-security-api/internal/models"
)

// withdrawalDocument stores the amount as Decimal128 so aggregation stays exact.
type withdrawalDocument struct {
	ID                  string                   `bson:"_id"`
	DriverID            string                   `bson:"driver_id"`
	Amount              primitive.Decimal128     `bson:"amount"`
	Currency            string                   `bson:"currency"`
	Method              models.WithdrawalMethod  `bson:"method"`
	Status              models.WithdrawalStatus  `bson:"status"`
	DeviceID            string                   `bson:"device_id,omitempty"`
	IPAddress           string                   `bson:"ip_address,omitempty"`
	MaskedAccountNumber string                   `bson:"masked_account_number,omitempty"`
	EncryptedPayload    *models.EncryptedPayload `bson:"encrypted_payload,omitempty"`
	CreatedAt           time.Time                `bson:"created_at"`
}

func toWithdrawalDocument(r *models.WithdrawalRecord) (*withdrawalDocument, error) {
	amount, err := primitive.ParseDecimal128(r.Amount.String())
	if err != nil {
		return nil, fmt.Errorf("failed to convert amount %s: %w", r.Amount, err)
	}
	return &withdrawalDocument{
		ID:                  r.ID,
		DriverID:            r.DriverID,
		Amount:              amount,
		Currency:            r.Currency,
		Method:              r.Method,
		Status:              r.Status,
		DeviceID:            r.DeviceID,
		IPAddress:           r.IPAddress,
		MaskedAccountNumber: r.MaskedAccountNumber,
		EncryptedPayload:    r.EncryptedPayload,
		CreatedAt:           r.CreatedAt,
	}, nil
}

func (d *withdrawalDocument) toRecord() (*models.WithdrawalRecord, error) {
	amount, err := decimal.NewFromString(d.Amount.String())
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored amount for %s: %w", d.ID, err)
	}
	return &models.WithdrawalRecord{
		ID:                  d.ID,
		DriverID:            d.DriverID,
		Amount:              amount,
		Currency:            d.Currency,
		Method:              d.Method,
		Status:              d.Status,
		DeviceID:            d.DeviceID,
		IPAddress:           d.IPAddress,
		MaskedAccountNumber: d.MaskedAccountNumber,
		EncryptedPayload:    d.EncryptedPayload,
		CreatedAt:           d.CreatedAt,
	}, nil
}

type mongoWithdrawalRepository struct {
	collection *mongo.Collection
}

func NewMongoWithdrawalRepository(db *mongo.Database) WithdrawalRepository {
	return &mongoWithdrawalRepository{
		collection: db.Collection(WithdrawalCollection),
	}
}

func (r *mongoWithdrawalRepository) Create(ctx context.Context, record *models.WithdrawalRecord) error {
	doc, err := toWithdrawalDocument(record)
	if err != nil {
		return err
	}
	if _, err := r.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("withdrawal request %s already exists", record.ID)
		}
		return fmt.Errorf("failed to create withdrawal record: %w", err)
	}
	return nil
}

func (r *mongoWithdrawalRepository) ListSince(ctx context.Context, driverID string, since time.Time) ([]*models.WithdrawalRecord, error) {
	filter := bson.M{
		"driver_id":  driverID,
		"created_at": bson.M{"$gte": since},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetProjection(bson.M{"encrypted_payload": 0})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query withdrawal history: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []withdrawalDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode withdrawal history: %w", err)
	}

	records := make([]*models.WithdrawalRecord, 0, len(docs))
	for i := range docs {
		rec, err := docs[i].toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *mongoWithdrawalRepository) KnownDevices(ctx context.Context, driverID string) ([]string, error) {
	values, err := r.collection.Distinct(ctx, "device_id", bson.M{
		"driver_id": driverID,
		"device_id": bson.M{"$nin": bson.A{"", nil}},
		"status":    bson.M{"$in": models.CommittedStatuses},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query known devices: %w", err)
	}

	devices := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			devices = append(devices, s)
		}
	}
	return devices, nil
}

// EnsureWithdrawalIndexes creates the history lookup index.
func EnsureWithdrawalIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(WithdrawalCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "driver_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create withdrawal indexes: %w", err)
	}
	return nil
}
