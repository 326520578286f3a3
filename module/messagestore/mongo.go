package messagestore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/stafflink/stafflink/tools/ids"
)

type messageDoc struct {
	MsgID      string    `bson:"msg_id"`
	Room       string    `bson:"room"`
	SenderID   string    `bson:"sender_id"`
	SenderName string    `bson:"sender_name"`
	Body       string    `bson:"body"`
	CreateTime time.Time `bson:"create_time"`
}

// MongoStore appends chat messages to the messages collection. InsertOne
// returns only after the write is acknowledged, which is the durability the
// router's persist-first step relies on.
type MongoStore struct {
	coll *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection("messages")}
}

func (s *MongoStore) Append(ctx context.Context, room, senderID, senderName, body string) (*Record, error) {
	now := time.Now()
	doc := messageDoc{
		MsgID:      ids.GenerateString(),
		Room:       room,
		SenderID:   senderID,
		SenderName: senderName,
		Body:       body,
		CreateTime: now,
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return nil, errors.Wrap(err, "message insert")
	}
	return &Record{
		ID:         doc.MsgID,
		Room:       room,
		SenderID:   senderID,
		SenderName: senderName,
		Body:       body,
		Timestamp:  now,
	}, nil
}
