package mongo

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"archivestream/searchservice/internal/domain"
)

type proxyDoc struct {
	Address    string `bson:"_id"`
	Active     bool   `bson:"active"`
	Position   int    `bson:"position"`
	LastUsedAt int64  `bson:"lastUsedAt,omitempty"`
}

func (s *Store) ListActiveProxyAddresses(ctx context.Context) ([]string, error) {
	docs, err := s.findProxies(ctx, bson.M{"active": true})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Address)
	}
	return out, nil
}

func (s *Store) ListProxies(ctx context.Context) ([]domain.ProxyAddress, error) {
	docs, err := s.findProxies(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	out := make([]domain.ProxyAddress, 0, len(docs))
	for _, doc := range docs {
		out = append(out, fromProxyDoc(doc))
	}
	return out, nil
}

// ReplaceProxyAddresses makes addresses the complete active list, in order,
// stamping each row with the seed time. Rows not in the list are removed.
func (s *Store) ReplaceProxyAddresses(ctx context.Context, addresses []string) error {
	clean := cleanAddresses(addresses)
	seededAt := s.now()
	models := make([]mongo.WriteModel, 0, len(clean)+1)
	models = append(models, mongo.NewDeleteManyModel().SetFilter(bson.M{"_id": bson.M{"$nin": clean}}))
	for i, address := range clean {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": address}).
			SetUpdate(bson.M{"$set": proxySeedFields(i, seededAt)}).
			SetUpsert(true))
	}
	_, err := s.proxies.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	return err
}

func proxySeedFields(position int, at time.Time) bson.M {
	return bson.M{"active": true, "position": position, "lastUsedAt": toMillis(at)}
}

func (s *Store) findProxies(ctx context.Context, filter bson.M) ([]proxyDoc, error) {
	opts := options.Find().SetSort(bson.D{{Key: "position", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.proxies.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []proxyDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func fromProxyDoc(doc proxyDoc) domain.ProxyAddress {
	out := domain.ProxyAddress{Address: doc.Address, Active: doc.Active}
	if doc.LastUsedAt != 0 {
		at := fromMillis(doc.LastUsedAt)
		out.LastUsedAt = &at
	}
	return out
}

func cleanAddresses(addresses []string) []string {
	seen := make(map[string]struct{}, len(addresses))
	out := make([]string, 0, len(addresses))
	for _, raw := range addresses {
		address := strings.TrimSpace(raw)
		if address == "" {
			continue
		}
		if _, dup := seen[address]; dup {
			continue
		}
		seen[address] = struct{}{}
		out = append(out, address)
	}
	return out
}
