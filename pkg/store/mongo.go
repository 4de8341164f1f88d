package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/vango-dev/boardsync/pkg/access"
)

// MongoStore reads and writes the boards and users collections used by the
// whiteboard web app. Boards look like:
//
//	{
//	  _id: ObjectId, createdBy: ObjectId,
//	  elements: [...], viewBackgroundColor: "#ffffff",
//	  collaborators: [{userId, email, name, accessLevel, status}],
//	  updatedAt: ISODate
//	}
type MongoStore struct {
	client *mongo.Client
	boards *mongo.Collection
	users  *mongo.Collection
	owned  bool
	now    func() time.Time
	closed atomic.Bool
}

// MongoOption configures a MongoStore.
type MongoOption func(*mongoConfig)

type mongoConfig struct {
	boardsCollection string
	usersCollection  string
}

// WithMongoCollections overrides the collection names.
// Default: "boards" and "users".
func WithMongoCollections(boards, users string) MongoOption {
	return func(c *mongoConfig) {
		if boards != "" {
			c.boardsCollection = boards
		}
		if users != "" {
			c.usersCollection = users
		}
	}
}

// DialMongo connects to uri and returns a store over database. The store owns
// the client and disconnects it on Close.
func DialMongo(ctx context.Context, uri, database string, opts ...MongoOption) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("store: connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("store: ping mongo: %w", err)
	}

	s := NewMongoStore(client, database, opts...)
	s.owned = true
	return s, nil
}

// NewMongoStore wraps an existing client. Close leaves the client connected.
func NewMongoStore(client *mongo.Client, database string, opts ...MongoOption) *MongoStore {
	cfg := &mongoConfig{
		boardsCollection: "boards",
		usersCollection:  "users",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	db := client.Database(database)
	return &MongoStore{
		client: client,
		boards: db.Collection(cfg.boardsCollection),
		users:  db.Collection(cfg.usersCollection),
		now:    time.Now,
	}
}

type mongoCollaborator struct {
	UserID      bson.RawValue `bson:"userId"`
	Email       string        `bson:"email"`
	Name        string        `bson:"name"`
	AccessLevel string        `bson:"accessLevel"`
	Status      string        `bson:"status"`
}

type mongoBoard struct {
	CreatedBy           bson.RawValue       `bson:"createdBy"`
	Elements            bson.RawValue       `bson:"elements"`
	ViewBackgroundColor string              `bson:"viewBackgroundColor"`
	Collaborators       []mongoCollaborator `bson:"collaborators"`
	UpdatedAt           time.Time           `bson:"updatedAt"`
}

type mongoUser struct {
	Name  string `bson:"name"`
	Email string `bson:"email"`
}

// mongoID maps an external id to the stored _id: hex strings become
// ObjectIDs, anything else is used verbatim.
func mongoID(id string) any {
	if oid, err := bson.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}

// rawID renders a stored reference back to its external string form.
func rawID(v bson.RawValue) string {
	switch v.Type {
	case bson.TypeObjectID:
		return v.ObjectID().Hex()
	case bson.TypeString:
		return v.StringValue()
	default:
		return ""
	}
}

// elementsToBSON converts an opaque JSON element list to a BSON array.
func elementsToBSON(raw json.RawMessage) (bson.A, error) {
	wrapped := append(append([]byte(`{"elements":`), normalizeElements(raw)...), '}')
	var doc bson.D
	if err := bson.UnmarshalExtJSON(wrapped, false, &doc); err != nil {
		return nil, err
	}
	if len(doc) != 1 {
		return nil, errors.New("unexpected elements document")
	}
	arr, ok := doc[0].Value.(bson.A)
	if !ok {
		return nil, fmt.Errorf("elements decoded as %T", doc[0].Value)
	}
	return arr, nil
}

// elementsFromBSON renders a stored element array back to relaxed JSON.
func elementsFromBSON(v bson.RawValue) (json.RawMessage, error) {
	if v.Type == 0 || v.Type == bson.TypeNull {
		return json.RawMessage(`[]`), nil
	}
	out, err := bson.MarshalExtJSON(bson.D{{Key: "elements", Value: v}}, false, false)
	if err != nil {
		return nil, err
	}
	var wrapper struct {
		Elements json.RawMessage `json:"elements"`
	}
	if err := json.Unmarshal(out, &wrapper); err != nil {
		return nil, err
	}
	return normalizeElements(wrapper.Elements), nil
}

// LoadBoard reads a board document. A board that exists but was never drawn
// on loads as an empty scene.
func (s *MongoStore) LoadBoard(ctx context.Context, boardID string) (Scene, error) {
	if s.closed.Load() {
		return Scene{}, ErrStoreClosed
	}

	opts := options.FindOne().SetProjection(bson.D{
		{Key: "elements", Value: 1},
		{Key: "viewBackgroundColor", Value: 1},
		{Key: "updatedAt", Value: 1},
	})
	var doc mongoBoard
	err := s.boards.FindOne(ctx, bson.D{{Key: "_id", Value: mongoID(boardID)}}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Scene{}, ErrBoardNotFound
	}
	if err != nil {
		return Scene{}, wrapErr("mongo", "load", boardID, err)
	}

	elements, err := elementsFromBSON(doc.Elements)
	if err != nil {
		return Scene{}, wrapErr("mongo", "load", boardID, err)
	}
	return Scene{
		Elements:        elements,
		BackgroundColor: doc.ViewBackgroundColor,
		UpdatedAt:       doc.UpdatedAt,
	}, nil
}

// SaveBoard sets the scene fields of a board document, creating it if needed.
func (s *MongoStore) SaveBoard(ctx context.Context, boardID string, scene Scene) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	elements, err := elementsToBSON(scene.Elements)
	if err != nil {
		return wrapErr("mongo", "save", boardID, err)
	}

	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "elements", Value: elements},
		{Key: "viewBackgroundColor", Value: scene.BackgroundColor},
		{Key: "updatedAt", Value: s.now().UTC()},
	}}}
	_, err = s.boards.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: mongoID(boardID)}},
		update,
		options.UpdateOne().SetUpsert(true),
	)
	return wrapErr("mongo", "save", boardID, err)
}

// LookupUser reads a user document.
func (s *MongoStore) LookupUser(ctx context.Context, userID string) (User, error) {
	if s.closed.Load() {
		return User{}, ErrStoreClosed
	}

	var doc mongoUser
	err := s.users.FindOne(ctx, bson.D{{Key: "_id", Value: mongoID(userID)}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, wrapErr("mongo", "lookup user", "", err)
	}
	return User{ID: userID, Name: doc.Name, Email: doc.Email}, nil
}

// Access resolves the user's permission from createdBy and collaborators.
func (s *MongoStore) Access(ctx context.Context, userID, boardID string) (access.Level, error) {
	if s.closed.Load() {
		return access.NoAccess, ErrStoreClosed
	}

	opts := options.FindOne().SetProjection(bson.D{
		{Key: "createdBy", Value: 1},
		{Key: "collaborators", Value: 1},
	})
	var doc mongoBoard
	err := s.boards.FindOne(ctx, bson.D{{Key: "_id", Value: mongoID(boardID)}}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return access.NoAccess, nil
	}
	if err != nil {
		return access.NoAccess, wrapErr("mongo", "access", boardID, err)
	}
	return resolveAccess(userID, rawID(doc.CreatedBy), collaboratorsFromMongo(doc.Collaborators)), nil
}

func collaboratorsFromMongo(docs []mongoCollaborator) []Collaborator {
	out := make([]Collaborator, 0, len(docs))
	for _, d := range docs {
		level, err := access.ParseLevel(d.AccessLevel)
		if err != nil {
			continue
		}
		out = append(out, Collaborator{
			UserID: rawID(d.UserID),
			Email:  d.Email,
			Name:   d.Name,
			Level:  level,
			Status: CollaboratorStatus(d.Status),
		})
	}
	return out
}

// Close disconnects the client if the store dialed it.
func (s *MongoStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if !s.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
