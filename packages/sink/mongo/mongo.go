// Package mongo persists captured items into a MongoDB collection.
package mongo

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/hitcapture/packages/capture"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	// DefaultDatabase is used when no database name is configured.
	DefaultDatabase = "hitcapture"
	// Collection holds one document per captured item.
	Collection = "captures"
)

type requestDoc struct {
	Method    string      `bson:"method"`
	URL       string      `bson:"url"`
	Header    http.Header `bson:"header,omitempty"`
	Body      []byte      `bson:"body,omitempty"`
	BodySize  int64       `bson:"bodySize"`
	Truncated bool        `bson:"truncated"`
	SentAt    time.Time   `bson:"sentAt"`
}

type responseDoc struct {
	StatusCode int         `bson:"statusCode"`
	Status     string      `bson:"status"`
	Proto      string      `bson:"proto,omitempty"`
	Header     http.Header `bson:"header,omitempty"`
	Body       []byte      `bson:"body,omitempty"`
	BodySize   int64       `bson:"bodySize"`
	Truncated  bool        `bson:"truncated"`
	ReceivedAt time.Time   `bson:"receivedAt"`
}

type failureDoc struct {
	Error    string `bson:"error"`
	Canceled bool   `bson:"canceled"`
}

type document struct {
	ID               string       `bson:"_id"`
	Module           string       `bson:"module"`
	Seq              int64        `bson:"seq"`
	Request          requestDoc   `bson:"request"`
	Response         *responseDoc `bson:"response,omitempty"`
	Failure          *failureDoc  `bson:"failure,omitempty"`
	ElapsedUs        int64        `bson:"elapsedUs"`
	Encrypted        bool         `bson:"encrypted"`
	EncryptionFailed bool         `bson:"encryptionFailed"`
}

func toDocument(item capture.Item) document {
	doc := document{
		ID:     item.ExchangeID,
		Module: item.Module,
		Seq:    int64(item.Seq),
		Request: requestDoc{
			Method:    item.Request.Method,
			URL:       item.Request.URL,
			Header:    item.Request.Header,
			Body:      item.Request.Body,
			BodySize:  item.Request.BodySize,
			Truncated: item.Request.Truncated,
			SentAt:    item.Request.SentAt,
		},
		ElapsedUs:        item.Elapsed.Microseconds(),
		Encrypted:        item.Encrypted,
		EncryptionFailed: item.EncryptionFailed,
	}
	if r := item.Response; r != nil {
		doc.Response = &responseDoc{
			StatusCode: r.StatusCode,
			Status:     r.Status,
			Proto:      r.Proto,
			Header:     r.Header,
			Body:       r.Body,
			BodySize:   r.BodySize,
			Truncated:  r.Truncated,
			ReceivedAt: r.ReceivedAt,
		}
	}
	if f := item.Failure; f != nil {
		doc.Failure = &failureDoc{Error: f.Error, Canceled: f.Canceled}
	}
	return doc
}

func (d document) item() capture.Item {
	item := capture.Item{
		Seq:        uint64(d.Seq),
		ExchangeID: d.ID,
		Module:     d.Module,
		Request: capture.RequestFacet{
			Method:    d.Request.Method,
			URL:       d.Request.URL,
			Header:    d.Request.Header,
			Body:      d.Request.Body,
			BodySize:  d.Request.BodySize,
			Truncated: d.Request.Truncated,
			SentAt:    d.Request.SentAt,
		},
		Elapsed:          time.Duration(d.ElapsedUs) * time.Microsecond,
		Encrypted:        d.Encrypted,
		EncryptionFailed: d.EncryptionFailed,
	}
	if r := d.Response; r != nil {
		item.Response = &capture.ResponseFacet{
			StatusCode: r.StatusCode,
			Status:     r.Status,
			Proto:      r.Proto,
			Header:     r.Header,
			Body:       r.Body,
			BodySize:   r.BodySize,
			Truncated:  r.Truncated,
			ReceivedAt: r.ReceivedAt,
		}
	}
	if f := d.Failure; f != nil {
		item.Failure = &capture.FailureFacet{Error: f.Error, Canceled: f.Canceled}
	}
	return item
}

// Store is a MongoDB capture collection.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// Connect dials uri and prepares the captures collection in database.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	if database == "" {
		database = DefaultDatabase
	}
	serverAPI := options.ServerAPI(options.ServerAPIVersion1)
	opts := options.Client().ApplyURI(uri).SetServerAPIOptions(serverAPI)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	collection := client.Database(database).Collection(Collection)
	_, err = collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "module", Value: 1}, {Key: "seq", Value: 1}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create index: %w", err)
	}
	return &Store{client: client, collection: collection}, nil
}

// Insert upserts item by exchange ID.
func (s *Store) Insert(ctx context.Context, item capture.Item) error {
	doc := toDocument(item)
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("insert failed: %w", err)
	}
	return nil
}

// Modules returns the distinct module names in the collection, sorted.
func (s *Store) Modules(ctx context.Context) ([]string, error) {
	values, err := s.collection.Distinct(ctx, "module", bson.D{})
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	modules := make([]string, 0, len(values))
	for _, v := range values {
		if name, ok := v.(string); ok {
			modules = append(modules, name)
		}
	}
	sort.Strings(modules)
	return modules, nil
}

// IsURI reports whether path names a MongoDB deployment.
func IsURI(path string) bool {
	return strings.HasPrefix(path, "mongodb://") || strings.HasPrefix(path, "mongodb+srv://")
}

// Items returns a module's items ordered by sequence number.
func (s *Store) Items(ctx context.Context, module string) ([]capture.Item, error) {
	cur, err := s.collection.Find(ctx, bson.M{"module": module}, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer cur.Close(ctx)

	items := make([]capture.Item, 0)
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("corrupt document: %w", err)
		}
		items = append(items, doc.item())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return items, nil
}

// Close disconnects from the server.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Factory hands every module a sink on the shared store.
func Factory(s *Store) capture.SinkFactory {
	return func(string, string) (capture.Sink, error) {
		return sink{store: s}, nil
	}
}

type sink struct {
	store *Store
}

func (s sink) Write(ctx context.Context, item capture.Item) error {
	return s.store.Insert(ctx, item)
}

// Close leaves the shared connection open; Store.Close owns it.
func (s sink) Close() error {
	return nil
}
