package mongo

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"archivestream/searchservice/internal/domain"
)

type artistDoc struct {
	ID       string `bson:"_id"`
	Name     string `bson:"name"`
	NameKey  string `bson:"nameKey"`
	ImageURL string `bson:"imageUrl,omitempty"`
}

type albumDoc struct {
	ID       string `bson:"_id"`
	Title    string `bson:"title"`
	TitleKey string `bson:"titleKey"`
	ArtistID string `bson:"artistId"`
	CoverURL string `bson:"coverUrl,omitempty"`
}

type songDoc struct {
	ID              string  `bson:"_id"`
	Identifier      string  `bson:"identifier"`
	Title           string  `bson:"title"`
	ArtistID        string  `bson:"artistId"`
	AlbumID         string  `bson:"albumId"`
	AudioPath       string  `bson:"audioPath"`
	CoverPath       string  `bson:"coverPath,omitempty"`
	DurationSeconds float64 `bson:"durationSeconds,omitempty"`
	Year            string  `bson:"year,omitempty"`
	BitRate         int     `bson:"bitRate,omitempty"`
	SampleRate      int     `bson:"sampleRate,omitempty"`
	BitDepth        int     `bson:"bitDepth,omitempty"`
	CreatedAt       int64   `bson:"createdAt"`
}

func (s *Store) GetLocalizedMedia(ctx context.Context, identifier string) (domain.LocalizedMedia, error) {
	var doc songDoc
	if err := s.songs.FindOne(ctx, bson.M{"identifier": identifier}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.LocalizedMedia{}, domain.ErrNotFound
		}
		return domain.LocalizedMedia{}, err
	}
	return fromSongDoc(doc), nil
}

func (s *Store) FindLocalizedMedia(ctx context.Context, identifiers []string) (map[string]domain.LocalizedMedia, error) {
	out := make(map[string]domain.LocalizedMedia)
	if len(identifiers) == 0 {
		return out, nil
	}
	cursor, err := s.songs.Find(ctx, bson.M{"identifier": bson.M{"$in": identifiers}})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []songDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	for _, doc := range docs {
		out[doc.Identifier] = fromSongDoc(doc)
	}
	return out, nil
}

// FindOrCreateArtist matches names case-insensitively. New artists get the
// default image.
func (s *Store) FindOrCreateArtist(ctx context.Context, name string) (domain.Artist, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = domain.DefaultArtistName
	}
	filter := bson.M{"nameKey": strings.ToLower(name)}
	update := bson.M{"$setOnInsert": bson.M{
		"_id":      uuid.NewString(),
		"name":     name,
		"imageUrl": domain.DefaultArtistImage,
	}}
	var doc artistDoc
	if err := s.findOrCreate(ctx, s.artists, filter, update, &doc); err != nil {
		return domain.Artist{}, err
	}
	return domain.Artist{ID: doc.ID, Name: doc.Name, ImageURL: doc.ImageURL}, nil
}

func (s *Store) FindOrCreateAlbum(ctx context.Context, title, artistID, coverURL string) (domain.Album, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = domain.DefaultAlbumTitle
	}
	filter := bson.M{"titleKey": strings.ToLower(title), "artistId": artistID}
	update := bson.M{"$setOnInsert": bson.M{
		"_id":      uuid.NewString(),
		"title":    title,
		"coverUrl": coverURL,
	}}
	var doc albumDoc
	if err := s.findOrCreate(ctx, s.albums, filter, update, &doc); err != nil {
		return domain.Album{}, err
	}
	return domain.Album{ID: doc.ID, Title: doc.Title, ArtistID: doc.ArtistID, CoverURL: doc.CoverURL}, nil
}

// findOrCreate upserts with $setOnInsert. A duplicate key error means a
// concurrent caller created the row first, so the row is read back.
func (s *Store) findOrCreate(ctx context.Context, collection *mongo.Collection, filter, update bson.M, out any) error {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	err := collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(out)
	if err != nil && mongo.IsDuplicateKeyError(err) {
		err = collection.FindOne(ctx, filter).Decode(out)
	}
	return err
}

func (s *Store) InsertLocalizedMedia(ctx context.Context, media domain.LocalizedMedia) (string, error) {
	if media.ID == "" {
		media.ID = uuid.NewString()
	}
	if media.CreatedAt.IsZero() {
		media.CreatedAt = s.now()
	}
	if _, err := s.songs.InsertOne(ctx, toSongDoc(media)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", domain.ErrAlreadyExists
		}
		return "", err
	}
	return media.ID, nil
}

func toSongDoc(m domain.LocalizedMedia) songDoc {
	return songDoc{
		ID:              m.ID,
		Identifier:      m.Identifier,
		Title:           m.Title,
		ArtistID:        m.ArtistID,
		AlbumID:         m.AlbumID,
		AudioPath:       m.AudioPath,
		CoverPath:       m.CoverPath,
		DurationSeconds: m.DurationSeconds,
		Year:            m.Year,
		BitRate:         m.BitRate,
		SampleRate:      m.SampleRate,
		BitDepth:        m.BitDepth,
		CreatedAt:       toMillis(m.CreatedAt),
	}
}

func fromSongDoc(doc songDoc) domain.LocalizedMedia {
	return domain.LocalizedMedia{
		ID:              doc.ID,
		Identifier:      doc.Identifier,
		Title:           doc.Title,
		ArtistID:        doc.ArtistID,
		AlbumID:         doc.AlbumID,
		AudioPath:       doc.AudioPath,
		CoverPath:       doc.CoverPath,
		DurationSeconds: doc.DurationSeconds,
		Year:            doc.Year,
		BitRate:         doc.BitRate,
		SampleRate:      doc.SampleRate,
		BitDepth:        doc.BitDepth,
		CreatedAt:       fromMillis(doc.CreatedAt),
	}
}
