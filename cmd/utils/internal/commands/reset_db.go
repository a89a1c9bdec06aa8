package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/appetiteclub/apt"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const changeLogPattern = "tablelink:changes:*"

// ResetDB drops the session database and every change log key. USE WITH CAUTION.
func ResetDB(ctx context.Context, config *apt.Config, logger apt.Logger) error {
	logger.Infof("⚠️  DANGER: This will drop all TableLink session data!")
	logger.Infof("⚠️  This action cannot be undone!")

	mongoURL := config.GetStringOrDef("db.mongo.url", "mongodb://localhost:27017")
	dbName := config.GetStringOrDef("db.mongo.name", "tablelink_sync")

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURL))
	if err != nil {
		return fmt.Errorf("connect to mongodb: %w", err)
	}
	defer client.Disconnect(ctx)

	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping mongodb: %w", err)
	}

	logger.Info("Dropping database", "database", dbName)
	if err := client.Database(dbName).Drop(ctx); err != nil {
		return fmt.Errorf("drop database %s: %w", dbName, err)
	}

	if _, ok := config.GetString("redis.addr"); !ok {
		logger.Info("redis.addr not set, skipping change log cleanup")
		return nil
	}

	removed, err := clearChangeLog(ctx, config)
	if err != nil {
		return err
	}
	logger.Info("Change log cleared", "keys", removed)
	return nil
}

func clearChangeLog(ctx context.Context, config *apt.Config) (int, error) {
	db, err := strconv.Atoi(config.GetStringOrDef("redis.db", "0"))
	if err != nil {
		return 0, fmt.Errorf("invalid redis.db: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.GetStringOrDef("redis.addr", "localhost:6379"),
		Password: config.GetStringOrDef("redis.password", ""),
		DB:       db,
	})
	defer rdb.Close()

	removed := 0
	iter := rdb.Scan(ctx, 0, changeLogPattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return removed, fmt.Errorf("delete %s: %w", iter.Val(), err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan change log keys: %w", err)
	}
	return removed, nil
}
