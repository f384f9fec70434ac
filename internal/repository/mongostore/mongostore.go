// Package mongostore keeps listings in a MongoDB collection, the layout the
// first version of the marketplace used.
package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/trunov/secondhand/internal/entities"
)

const collectionName = "listings"

type Store struct {
	client   *mongo.Client
	listings *mongo.Collection
}

func New(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	s := &Store{
		client:   client,
		listings: client.Database(database).Collection(collectionName),
	}

	_, err = s.listings.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "created_at", Value: -1}},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ensure created_at index: %w", err)
	}

	return s, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) InsertListing(ctx context.Context, l entities.Listing) error {
	if l.Photos == nil {
		l.Photos = []string{}
	}
	if _, err := s.listings.InsertOne(ctx, l); err != nil {
		return fmt.Errorf("insert listing %s: %w", l.ID, err)
	}
	return nil
}

func (s *Store) ListListings(ctx context.Context, limit int) ([]entities.Listing, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	cur, err := s.listings.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find listings: %w", err)
	}

	listings := []entities.Listing{}
	if err := cur.All(ctx, &listings); err != nil {
		return nil, fmt.Errorf("decode listings: %w", err)
	}
	for i := range listings {
		normalize(&listings[i])
	}
	return listings, nil
}

func (s *Store) GetListing(ctx context.Context, id string) (entities.Listing, error) {
	var l entities.Listing
	err := s.listings.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&l)
	return result(l, id, err)
}

func (s *Store) DeleteListing(ctx context.Context, id string) (entities.Listing, error) {
	var l entities.Listing
	err := s.listings.FindOneAndDelete(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&l)
	return result(l, id, err)
}

func result(l entities.Listing, id string, err error) (entities.Listing, error) {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return entities.Listing{}, fmt.Errorf("listing %s: %w", id, entities.ErrNotFound)
	}
	if err != nil {
		return entities.Listing{}, fmt.Errorf("listing %s: %w", id, err)
	}
	normalize(&l)
	return l, nil
}

func normalize(l *entities.Listing) {
	if l.Photos == nil {
		l.Photos = []string{}
	}
	l.CreatedAt = l.CreatedAt.UTC()
}
