package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"archivestream/searchservice/internal/domain"
)

type clickDoc struct {
	QueryKey      string `bson:"query"`
	Identifier    string `bson:"identifier"`
	ClickCount    int64  `bson:"clickCount"`
	LastClickedAt int64  `bson:"lastClickedAt"`
}

type hitDoc struct {
	QueryKey      string  `bson:"_id"`
	TopIdentifier string  `bson:"topIdentifier"`
	Confidence    float64 `bson:"confidence"`
	UpdatedAt     int64   `bson:"updatedAt"`
}

// IncrementClick upserts the (query, identifier) row with $inc so
// concurrent clicks never lose a count.
func (s *Store) IncrementClick(ctx context.Context, key, identifier string, at time.Time) (domain.ClickRecord, error) {
	filter := bson.M{"query": key, "identifier": identifier}
	update := bson.M{
		"$inc": bson.M{"clickCount": 1},
		"$set": bson.M{"lastClickedAt": toMillis(at)},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc clickDoc
	err := s.clicks.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err != nil && mongo.IsDuplicateKeyError(err) {
		// Two first clicks raced on the upsert; the loser retries as an update.
		err = s.clicks.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	}
	if err != nil {
		return domain.ClickRecord{}, err
	}
	return fromClickDoc(doc), nil
}

func (s *Store) TopClicks(ctx context.Context, key string, n int) ([]domain.ClickRecord, error) {
	opts := options.Find().SetSort(bson.D{
		{Key: "clickCount", Value: -1},
		{Key: "lastClickedAt", Value: -1},
		{Key: "identifier", Value: 1},
	})
	if n > 0 {
		opts.SetLimit(int64(n))
	}
	cursor, err := s.clicks.Find(ctx, bson.M{"query": key}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []clickDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	records := make([]domain.ClickRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, fromClickDoc(doc))
	}
	return records, nil
}

func (s *Store) GetHit(ctx context.Context, key string) (domain.HitRecord, error) {
	var doc hitDoc
	if err := s.hits.FindOne(ctx, bson.M{"_id": key}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.HitRecord{}, domain.ErrNotFound
		}
		return domain.HitRecord{}, err
	}
	return fromHitDoc(doc), nil
}

func (s *Store) UpsertHit(ctx context.Context, hit domain.HitRecord) error {
	doc := toHitDoc(hit)
	_, err := s.hits.ReplaceOne(ctx, bson.M{"_id": doc.QueryKey}, doc, options.Replace().SetUpsert(true))
	return err
}

func fromClickDoc(doc clickDoc) domain.ClickRecord {
	return domain.ClickRecord{
		QueryKey:      doc.QueryKey,
		Identifier:    doc.Identifier,
		ClickCount:    doc.ClickCount,
		LastClickedAt: fromMillis(doc.LastClickedAt),
	}
}

func toHitDoc(hit domain.HitRecord) hitDoc {
	return hitDoc{
		QueryKey:      hit.QueryKey,
		TopIdentifier: hit.TopIdentifier,
		Confidence:    hit.Confidence,
		UpdatedAt:     toMillis(hit.UpdatedAt),
	}
}

func fromHitDoc(doc hitDoc) domain.HitRecord {
	return domain.HitRecord{
		QueryKey:      doc.QueryKey,
		TopIdentifier: doc.TopIdentifier,
		Confidence:    doc.Confidence,
		UpdatedAt:     fromMillis(doc.UpdatedAt),
	}
}
