package mqttsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultMongoCollection is the collection OpenMongoStore uses when none is given.
const DefaultMongoCollection = "outbound_messages"

var ErrClientIDEmpty = errors.New("client_id is empty")

// MongoStoreOption configures a MongoStore.
type MongoStoreOption func(*MongoStore)

// WithOperationTimeout bounds every database call. Default is 5s.
func WithOperationTimeout(d time.Duration) MongoStoreOption {
	return func(s *MongoStore) {
		s.timeout = d
	}
}

// WithMongoCapacity limits the number of stored entries.
func WithMongoCapacity(n int) MongoStoreOption {
	return func(s *MongoStore) {
		s.capacity = n
	}
}

type pendingDocument struct {
	ClientID       string `bson:"client_id"`
	Seq            int64  `bson:"seq"`
	PendingMessage `bson:",inline"`
}

// MongoStore is an OutboundStore backed by a MongoDB collection. Entries are
// kept in memory as well and written through on every change; one document
// per unacknowledged publish, keyed by client_id and packet_id.
type MongoStore struct {
	mu       sync.Mutex
	mem      *MemoryStore
	coll     *mongo.Collection
	client   *mongo.Client
	clientID string
	timeout  time.Duration
	capacity int
	seq      map[uint16]int64
	nextSeq  int64
}

// OpenMongoStore connects to uri and opens a store in the given database.
// The returned store owns the connection; Close disconnects it.
func OpenMongoStore(ctx context.Context, uri, database, clientID string, opts ...MongoStoreOption) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetAppName("mqttsession"))
	if err != nil {
		return nil, fmt.Errorf("error occurred while connecting to database: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occurred while pinging database: %w", err)
	}

	s, err := NewMongoStore(ctx, client.Database(database).Collection(DefaultMongoCollection), clientID, opts...)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	s.client = client
	return s, nil
}

// NewMongoStore opens a store on coll for clientID and loads its entries.
func NewMongoStore(ctx context.Context, coll *mongo.Collection, clientID string, opts ...MongoStoreOption) (*MongoStore, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}

	s := &MongoStore{
		coll:     coll,
		clientID: clientID,
		timeout:  5 * time.Second,
		seq:      make(map[uint16]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mem = NewMemoryStore(WithStoreCapacity(s.capacity))

	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "client_id", Value: 1}, {Key: "packet_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("outbound_client_packet_unique"),
	})
	if err != nil {
		return nil, fmt.Errorf("error occurred while creating database indexes: %w", err)
	}

	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) load(ctx context.Context) error {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	cursor, err := s.coll.Find(ctx, bson.D{{Key: "client_id", Value: s.clientID}}, opts)
	if err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []pendingDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}

	entries := make([]*PendingMessage, 0, len(docs))
	for i := range docs {
		msg := docs[i].PendingMessage
		entries = append(entries, &msg)
		s.seq[msg.ID] = docs[i].Seq
		if docs[i].Seq >= s.nextSeq {
			s.nextSeq = docs[i].Seq + 1
		}
	}

	return s.mem.restore(entries)
}

func (s *MongoStore) filter(id uint16) bson.D {
	return bson.D{{Key: "client_id", Value: s.clientID}, {Key: "packet_id", Value: id}}
}

func (s *MongoStore) write(id uint16) error {
	msg, ok := s.mem.Get(id)
	if !ok {
		return ErrMessageNotFound
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	doc := pendingDocument{ClientID: s.clientID, Seq: s.seq[id], PendingMessage: *msg}
	_, err := s.coll.ReplaceOne(ctx, s.filter(id), doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}
	return nil
}

// Enqueue implements OutboundStore.
func (s *MongoStore) Enqueue(msg *PendingMessage, skip func(id uint16) bool) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.mem.Enqueue(msg, skip)
	if err != nil {
		return 0, err
	}

	s.seq[id] = s.nextSeq
	s.nextSeq++

	if err := s.write(id); err != nil {
		_, _ = s.mem.Ack(id)
		delete(s.seq, id)
		return 0, err
	}
	return id, nil
}

// Ack implements OutboundStore.
func (s *MongoStore) Ack(id uint16) (*PendingMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, _ := s.mem.Ack(id)
	if msg == nil {
		return nil, nil
	}
	delete(s.seq, id)

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.coll.DeleteOne(ctx, s.filter(id)); err != nil {
		return msg, fmt.Errorf("database operation failed: %w", err)
	}
	return msg, nil
}

// Get implements OutboundStore.
func (s *MongoStore) Get(id uint16) (*PendingMessage, bool) {
	return s.mem.Get(id)
}

// Update implements OutboundStore.
func (s *MongoStore) Update(msg *PendingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mem.Update(msg); err != nil {
		return err
	}
	return s.write(msg.ID)
}

// DrainInOrder implements OutboundStore.
func (s *MongoStore) DrainInOrder() ([]*PendingMessage, error) {
	return s.mem.DrainInOrder()
}

// Size implements OutboundStore.
func (s *MongoStore) Size() int {
	return s.mem.Size()
}

// Clear implements OutboundStore.
func (s *MongoStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.mem.Clear()
	clear(s.seq)
	s.nextSeq = 0

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.coll.DeleteMany(ctx, bson.D{{Key: "client_id", Value: s.clientID}}); err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}
	return nil
}

// Close disconnects the database client if the store opened it.
func (s *MongoStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}
