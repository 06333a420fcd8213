package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"payout-security-api/internal/cache"
	"payout-security-api/internal/config"
	"payout-security-api/internal/keystore"
	"payout-security-api/internal/monitoring"
	"payout-security-api/internal/repository"
	"payout-security-api/internal/repository/postgres"
)

type Database struct {
	Mongo        *mongo.Client
	Postgres     *pgxpool.Pool
	Redis        *redis.Client
	Repositories *Repositories
}

// Repositories bundles every store the service depends on, already bound to
// the configured backends.
type Repositories struct {
	Audit       repository.AuditRepository
	Withdrawals repository.WithdrawalRepository
	Idempotency repository.IdempotencyRepository
	KeyLocker   repository.Locker
	KeyStore    keystore.SecureKeyStore
	Sessions    cache.SessionStore
	Windows     cache.WindowStore
}

func Initialize(ctx context.Context, cfg *config.Config) (*Database, error) {
	db := &Database{Repositories: &Repositories{}}

	if cfg.Redis.Enabled {
		client, err := cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		db.Redis = client
	}

	if err := db.initializeStore(ctx, cfg.Database); err != nil {
		db.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	if err := db.initializeSecurityStores(cfg); err != nil {
		db.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return db, nil
}

func (db *Database) initializeStore(ctx context.Context, cfg config.DatabaseConfig) error {
	repos := db.Repositories

	switch cfg.Driver {
	case "mongo":
		client, err := initializeMongoDB(ctx, cfg.Mongo)
		if err != nil {
			return fmt.Errorf("failed to initialize MongoDB: %w", err)
		}
		db.Mongo = client
		mdb := client.Database(cfg.Mongo.Database)
		if err := createIndexes(ctx, mdb); err != nil {
			return fmt.Errorf("failed to create database indexes: %w", err)
		}
		repos.Audit = repository.NewMongoAuditRepository(mdb)
		repos.Withdrawals = repository.NewMongoWithdrawalRepository(mdb)

	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
		if err != nil {
			return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
		}
		db.Postgres = pool
		repos.Audit = postgres.NewAuditRepository(pool)
		repos.Withdrawals = postgres.NewWithdrawalRepository(pool)

	case "memory":
		repos.Audit = repository.NewMemoryAuditRepository()
		repos.Withdrawals = repository.NewMemoryWithdrawalRepository()

	default:
		return fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
	return nil
}

// initializeSecurityStores binds keys, locks, sessions, rate windows and
// idempotency to Redis when available and to process memory otherwise.
func (db *Database) initializeSecurityStores(cfg *config.Config) error {
	repos := db.Repositories

	if db.Redis != nil {
		repos.Idempotency = repository.NewIdempotencyRepository(db.Redis)
		repos.Sessions = cache.NewCachedSessionStore(cache.NewRedisSessionStore(db.Redis), cfg.Auth.SessionCacheTTL, 0)
	} else {
		repos.Idempotency = repository.NewMemoryIdempotencyRepository()
		repos.Sessions = cache.NewMemorySessionStore()
	}

	switch cfg.RateLimit.Store {
	case "redis":
		if db.Redis == nil {
			return errors.New("redis rate limit store requires redis")
		}
		repos.Windows = cache.NewRedisWindowStore(db.Redis)
	default:
		repos.Windows = cache.NewMemoryWindowStore()
	}

	switch cfg.Encryption.KeyStore {
	case "redis":
		if db.Redis == nil {
			return errors.New("redis key store requires redis")
		}
		store, err := keystore.NewRedisStore(db.Redis, []byte(cfg.Encryption.MasterKey))
		if err != nil {
			return fmt.Errorf("failed to initialize key store: %w", err)
		}
		repos.KeyStore = store
	default:
		repos.KeyStore = keystore.NewMemoryStore()
	}

	if cfg.Encryption.DistributedLock && db.Redis != nil {
		repos.KeyLocker = repository.NewDriverLockManager(repository.NewLockRepository(db.Redis), cfg.Encryption.LockTTL)
	} else {
		repos.KeyLocker = repository.NewLocalLocker()
	}
	return nil
}

func initializeMongoDB(ctx context.Context, cfg config.MongoConfig) (*mongo.Client, error) {
	clientOptions := options.Client().ApplyURI(cfg.URI)
	if cfg.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(uint64(cfg.MaxPoolSize))
	}
	if cfg.MinPoolSize > 0 {
		clientOptions.SetMinPoolSize(uint64(cfg.MinPoolSize))
	}
	if cfg.ConnectTimeout > 0 {
		clientOptions.SetConnectTimeout(cfg.ConnectTimeout)
		clientOptions.SetServerSelectionTimeout(cfg.ConnectTimeout)
	}

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client, nil
}

// createIndexes backs the subject/time queries for reports and the per-driver
// history window.
func createIndexes(ctx context.Context, mdb *mongo.Database) error {
	auditIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "subject.scope", Value: 1},
				{Key: "subject.id", Value: 1},
				{Key: "created_at", Value: -1},
			},
		},
		{
			Keys: bson.D{{Key: "event_type", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "withdrawal_request_id", Value: 1}},
		},
	}
	if _, err := mdb.Collection(repository.AuditCollection).Indexes().CreateMany(ctx, auditIndexes); err != nil {
		return fmt.Errorf("failed to create audit indexes: %w", err)
	}

	withdrawalIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "driver_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "driver_id", Value: 1}, {Key: "device_id", Value: 1}},
		},
	}
	if _, err := mdb.Collection(repository.WithdrawalCollection).Indexes().CreateMany(ctx, withdrawalIndexes); err != nil {
		return fmt.Errorf("failed to create withdrawal indexes: %w", err)
	}
	return nil
}

// HealthCheckers returns one checker per live backend.
func (db *Database) HealthCheckers() []monitoring.ComponentChecker {
	var checkers []monitoring.ComponentChecker
	if db.Mongo != nil {
		checkers = append(checkers, monitoring.NewMongoChecker(db.Mongo))
	}
	if db.Postgres != nil {
		checkers = append(checkers, monitoring.NewPostgresChecker(db.Postgres))
	}
	if db.Redis != nil {
		checkers = append(checkers, monitoring.NewRedisChecker(db.Redis))
	}
	return checkers
}

func (db *Database) Close(ctx context.Context) error {
	var errs []error

	if db.Mongo != nil {
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := db.Mongo.Disconnect(closeCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close MongoDB: %w", err))
		}
		cancel()
	}
	if db.Postgres != nil {
		db.Postgres.Close()
	}
	if db.Redis != nil {
		if err := db.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close Redis: %w", err))
		}
	}
	return errors.Join(errs...)
}
