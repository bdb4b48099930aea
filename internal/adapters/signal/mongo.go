package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// Collection names used by the MongoStore.
var (
	mongoCallsCollName    = "calls"
	mongoMessagesCollName = "call_messages"
	mongoMessagesIndexes  = []mongo.IndexModel{
		{Keys: bson.D{{Key: "call_id", Value: 1}, {Key: "ts", Value: 1}}},
	}
	mongoCallsIndexes = []mongo.IndexModel{
		{Keys: bson.D{{Key: "receiver_id", Value: 1}, {Key: "status", Value: 1}}},
	}
)

// MongoStore keeps session records in one collection and every call's
// message log in a second one keyed by call_id. Real-time delivery uses
// change streams, so the deployment must be a replica set.
type MongoStore struct {
	calls    *mongo.Collection
	messages *mongo.Collection
	logger   zerolog.Logger
}

func NewMongoStore(ctx context.Context, client *mongo.Client, database string) (*MongoStore, error) {
	db := client.Database(database)
	s := &MongoStore{
		calls:    db.Collection(mongoCallsCollName),
		messages: db.Collection(mongoMessagesCollName),
		logger:   log.With().Str("module", "adapters.signal.mongo").Logger(),
	}
	if _, err := s.calls.Indexes().CreateMany(ctx, mongoCallsIndexes); err != nil {
		return nil, fmt.Errorf("ensure calls indexes: %w", err)
	}
	if _, err := s.messages.Indexes().CreateMany(ctx, mongoMessagesIndexes); err != nil {
		return nil, fmt.Errorf("ensure messages indexes: %w", err)
	}
	return s, nil
}

// ConnectMongo dials uri and verifies the connection.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

func (s *MongoStore) Create(ctx context.Context, sess domain.CallSession) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if _, err := s.calls.InsertOne(ctx, sess); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrSessionExists, sess.CallID)
		}
		return err
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, callID string) (domain.CallSession, error) {
	var sess domain.CallSession
	err := s.calls.FindOne(ctx, bson.D{{Key: "_id", Value: callID}}).Decode(&sess)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.CallSession{}, core.ErrNotFound
	}
	return sess, err
}

// Update only matches records whose status precedes the patch and stamps
// the status timestamp with $ifNull so it is written once.
func (s *MongoStore) Update(ctx context.Context, callID string, patch domain.SessionPatch) error {
	if patch.At.IsZero() {
		patch.At = time.Now().UTC()
	}
	filter := bson.D{
		{Key: "_id", Value: callID},
		{Key: "status", Value: bson.D{{Key: "$in", Value: patch.Status.Predecessors()}}},
	}
	set := bson.D{{Key: "status", Value: patch.Status}}
	if field := patch.Status.TimestampField(); field != "" {
		set = append(set, bson.E{Key: field, Value: bson.D{{Key: "$ifNull", Value: bson.A{"$" + field, patch.At}}}})
	}
	_, err := s.calls.UpdateOne(ctx, filter, mongo.Pipeline{{{Key: "$set", Value: set}}})
	return err
}

func (s *MongoStore) Delete(ctx context.Context, callID string) error {
	if _, err := s.calls.DeleteOne(ctx, bson.D{{Key: "_id", Value: callID}}); err != nil {
		return err
	}
	_, err := s.messages.DeleteMany(ctx, bson.D{{Key: "call_id", Value: callID}})
	return err
}

type changeEvent[T any] struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument *T `bson:"fullDocument"`
}

// WatchIncoming emits existing records of receiver, then changes. Delete
// events carry no document, so every deletion is forwarded by id.
func (s *MongoStore) WatchIncoming(ctx context.Context, receiver domain.UserID, fn func(core.SessionChange)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	// watch before the initial read to avoid a gap
	cs, err := s.calls.Watch(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "fullDocument.receiver_id", Value: receiver}},
			bson.D{{Key: "operationType", Value: "delete"}},
		}}}}},
	}, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()
		return nil, err
	}
	cur, err := s.calls.Find(ctx, bson.D{{Key: "receiver_id", Value: receiver}})
	if err != nil {
		_ = cs.Close(context.Background())
		cancel()
		return nil, err
	}
	var existing []domain.CallSession
	if err := cur.All(ctx, &existing); err != nil {
		_ = cs.Close(context.Background())
		cancel()
		return nil, err
	}

	go func() {
		defer func() { _ = cs.Close(context.Background()) }()
		for _, sess := range existing {
			fn(core.SessionChange{CallID: sess.CallID, Session: sess})
		}
		for cs.Next(ctx) {
			var ev changeEvent[domain.CallSession]
			if err := cs.Decode(&ev); err != nil {
				s.logger.Error().Err(err).Msg("decode session change")
				continue
			}
			if ev.OperationType == "delete" {
				fn(core.SessionChange{CallID: ev.DocumentKey.ID, Deleted: true})
				continue
			}
			if ev.FullDocument == nil {
				// updated then deleted before the lookup ran
				continue
			}
			fn(core.SessionChange{CallID: ev.FullDocument.CallID, Session: *ev.FullDocument})
		}
		if err := cs.Err(); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Str("uid", string(receiver)).Msg("session change stream closed")
		}
	}()
	return cancel, nil
}

func (s *MongoStore) Append(ctx context.Context, msg domain.SignalMessage) error {
	msg.Timestamp = time.Now().UTC()
	if _, err := s.messages.InsertOne(ctx, msg); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return err
	}
	return nil
}

func (s *MongoStore) Watch(ctx context.Context, callID string, replay bool, fn func(domain.SignalMessage)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	cs, err := s.messages.Watch(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: "insert"},
			{Key: "fullDocument.call_id", Value: callID},
		}}},
	})
	if err != nil {
		cancel()
		return nil, err
	}

	var history []domain.SignalMessage
	if replay {
		cur, err := s.messages.Find(ctx,
			bson.D{{Key: "call_id", Value: callID}},
			options.Find().SetSort(bson.D{{Key: "ts", Value: 1}}))
		if err == nil {
			err = cur.All(ctx, &history)
		}
		if err != nil {
			_ = cs.Close(context.Background())
			cancel()
			return nil, err
		}
	}

	go func() {
		defer func() { _ = cs.Close(context.Background()) }()
		replayed := make(map[string]struct{}, len(history))
		for _, m := range history {
			replayed[m.ID] = struct{}{}
			fn(m)
		}
		for cs.Next(ctx) {
			var ev changeEvent[domain.SignalMessage]
			if err := cs.Decode(&ev); err != nil || ev.FullDocument == nil {
				s.logger.Error().Err(err).Str("call_id", callID).Msg("decode message change")
				continue
			}
			if _, ok := replayed[ev.FullDocument.ID]; ok {
				continue
			}
			fn(*ev.FullDocument)
		}
		if err := cs.Err(); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Str("call_id", callID).Msg("message change stream closed")
		}
	}()
	return cancel, nil
}
