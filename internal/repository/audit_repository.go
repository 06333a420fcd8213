package repository

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"payout-security-api/internal/models"
)

type mongoAuditRepository struct {
	collection *mongo.Collection
}

func NewMongoAuditRepository(db *mongo.Database) AuditRepository {
	return &mongoAuditRepository{
		collection: db.Collection(AuditCollection),
	}
}

func (r *mongoAuditRepository) Insert(ctx context.Context, record *models.AuditRecord) error {
	if _, err := r.collection.InsertOne(ctx, record); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("audit record %s already exists", record.ID)
		}
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

func (r *mongoAuditRepository) Find(ctx context.Context, query models.AuditQuery) ([]*models.AuditRecord, error) {
	order := 1
	if query.NewestFirst {
		order = -1
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: order}}).
		SetLimit(int64(queryLimit(query.Limit)))

	cursor, err := r.collection.Find(ctx, auditFilter(query), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer cursor.Close(ctx)

	var records []*models.AuditRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode audit records: %w", err)
	}
	return records, nil
}

type groupCount struct {
	Key   string `bson:"_id"`
	Count int    `bson:"count"`
}

func (r *mongoAuditRepository) Count(ctx context.Context, query models.AuditQuery) (*models.AuditCounts, error) {
	countBy := func(field string) bson.M {
		return bson.M{"$group": bson.M{"_id": field, "count": bson.M{"$sum": 1}}}
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: auditFilter(query)}},
		{{Key: "$facet", Value: bson.M{
			"by_event_type": bson.A{countBy("$event_type")},
			"by_severity":   bson.A{countBy("$severity")},
			"by_flag":       bson.A{bson.M{"$unwind": "$compliance_flags"}, countBy("$compliance_flags")},
		}}},
	}

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate audit records: %w", err)
	}
	defer cursor.Close(ctx)

	var facets []struct {
		ByEventType []groupCount `bson:"by_event_type"`
		BySeverity  []groupCount `bson:"by_severity"`
		ByFlag      []groupCount `bson:"by_flag"`
	}
	if err := cursor.All(ctx, &facets); err != nil {
		return nil, fmt.Errorf("failed to decode audit counts: %w", err)
	}

	counts := models.NewAuditCounts()
	for _, f := range facets {
		for _, g := range f.ByEventType {
			counts.ByEventType[g.Key] += g.Count
		}
		for _, g := range f.BySeverity {
			counts.BySeverity[models.AuditSeverity(g.Key)] += g.Count
		}
		for _, g := range f.ByFlag {
			counts.ComplianceFlags[g.Key] += g.Count
		}
	}
	return counts, nil
}

func auditFilter(query models.AuditQuery) bson.M {
	filter := bson.M{}
	if query.Subject.ID != "" {
		filter["subject.scope"] = query.Subject.Scope
		filter["subject.id"] = query.Subject.ID
	}
	if len(query.EventTypes) > 0 {
		filter["event_type"] = bson.M{"$in": query.EventTypes}
	}
	created := bson.M{}
	if !query.From.IsZero() {
		created["$gte"] = query.From
	}
	if !query.To.IsZero() {
		created["$lte"] = query.To
	}
	if len(created) > 0 {
		filter["created_at"] = created
	}
	return filter
}

// EnsureAuditIndexes creates the query indexes for the audit collection.
func EnsureAuditIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(AuditCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "subject.scope", Value: 1}, {Key: "subject.id", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "event_type", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "withdrawal_request_id", Value: 1}}, Options: options.Index().SetSparse(true)},
	})
	if err != nil {
		return fmt.Errorf("failed to create audit indexes: %w", err)
	}
	return nil
}
