package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/appetiteclub/apt"
	"github.com/tablelink/tablelink/pkg/enums/sessionstatus"
	"github.com/tablelink/tablelink/services/sync/internal/sessions"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type SessionRepo struct {
	client     *mongo.Client
	db         *mongo.Database
	collection *mongo.Collection
	logger     apt.Logger
	config     *apt.Config
}

func NewSessionRepo(config *apt.Config, logger apt.Logger) *SessionRepo {
	return &SessionRepo{
		logger: logger,
		config: config,
	}
}

func (r *SessionRepo) Start(ctx context.Context) error {
	mongoURL := r.config.GetStringOrDef("db.mongo.url", "mongodb://localhost:27017")
	dbName := r.config.GetStringOrDef("db.mongo.name", "tablelink_sync")

	clientOptions := options.Client().ApplyURI(mongoURL).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return fmt.Errorf("cannot connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("cannot ping MongoDB: %w", err)
	}

	r.client = client
	r.db = client.Database(dbName)
	r.collection = r.db.Collection("sessions")

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "store_id", Value: 1}, {Key: "table_number", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "tickets.ticket_id", Value: 1}}},
	}
	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("cannot create session indexes: %w", err)
	}

	r.logger.Infof("Connected to MongoDB: %s, database: %s, collection: sessions", mongoURL, dbName)
	return nil
}

func (r *SessionRepo) Stop(ctx context.Context) error {
	if r.client != nil {
		if err := r.client.Disconnect(ctx); err != nil {
			return fmt.Errorf("cannot disconnect from MongoDB: %w", err)
		}
		r.logger.Info("Disconnected from MongoDB")
	}
	return nil
}

// Save writes the whole session document, tickets included.
func (r *SessionRepo) Save(ctx context.Context, s *sessions.Session) error {
	filter := bson.M{"_id": s.ID}
	opts := options.Replace().SetUpsert(true)

	if _, err := r.collection.ReplaceOne(ctx, filter, s, opts); err != nil {
		return fmt.Errorf("cannot save session: %w", err)
	}
	return nil
}

func (r *SessionRepo) FindByID(ctx context.Context, id sessions.SessionID) (*sessions.Session, error) {
	var s sessions.Session
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&s)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, sessions.ErrSessionNotFound
		}
		return nil, fmt.Errorf("cannot find session: %w", err)
	}
	return &s, nil
}

func (r *SessionRepo) ListOpen(ctx context.Context) ([]*sessions.Session, error) {
	query := bson.M{"status": bson.M{"$ne": sessionstatus.Statuses.Closed.Code()}}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})

	cursor, err := r.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("cannot find open sessions: %w", err)
	}
	defer cursor.Close(ctx)

	var result []*sessions.Session
	if err := cursor.All(ctx, &result); err != nil {
		return nil, fmt.Errorf("cannot decode sessions: %w", err)
	}
	return result, nil
}
