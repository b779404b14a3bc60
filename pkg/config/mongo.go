package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/couriermq/courier/pkg/log"
	"github.com/couriermq/courier/pkg/types"
)

// CollectionName is the configuration collection. External provisioning and
// dashboards reference it by name.
const CollectionName = "partner-configurations"

// MongoStore persists partner configurations in MongoDB. Reads retry on
// transient driver errors so a brief primary election does not fail a reload.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore connects to uri and uses the named database.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect config store: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping config store: %w", err)
	}
	logger := log.WithComponent("config")
	logger.Info().Str("database", database).Msg("config store connected")
	return &MongoStore{coll: client.Database(database).Collection(CollectionName)}, nil
}

// NewMongoStoreWithCollection wraps an existing collection handle.
func NewMongoStoreWithCollection(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

func (s *MongoStore) Load(ctx context.Context) ([]types.PartnerConfig, error) {
	var configs []types.PartnerConfig
	err := retry.Do(
		func() error {
			cur, err := s.coll.Find(ctx, bson.D{})
			if err != nil {
				return fmt.Errorf("find configs: %w", err)
			}
			defer cur.Close(ctx)

			var out []types.PartnerConfig
			if err := cur.All(ctx, &out); err != nil {
				return fmt.Errorf("decode configs: %w", err)
			}
			configs = out
			return nil
		},
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	return configs, err
}

func (s *MongoStore) Get(ctx context.Context, partnerID string) (types.PartnerConfig, error) {
	var cfg types.PartnerConfig
	err := s.coll.FindOne(ctx, bson.D{{Key: "partnerId", Value: partnerID}}).Decode(&cfg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return types.PartnerConfig{}, fmt.Errorf("partner %s: %w", partnerID, types.ErrNotFound)
	}
	if err != nil {
		return types.PartnerConfig{}, fmt.Errorf("get config %s: %w", partnerID, err)
	}
	return cfg, nil
}

func (s *MongoStore) Put(ctx context.Context, cfg types.PartnerConfig) error {
	_, err := s.coll.ReplaceOne(ctx,
		bson.D{{Key: "partnerId", Value: cfg.PartnerID}},
		cfg,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("put config %s: %w", cfg.PartnerID, err)
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, partnerID string) error {
	res, err := s.coll.DeleteOne(ctx, bson.D{{Key: "partnerId", Value: partnerID}})
	if err != nil {
		return fmt.Errorf("delete config %s: %w", partnerID, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("partner %s: %w", partnerID, types.ErrNotFound)
	}
	return nil
}
