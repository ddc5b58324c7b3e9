package domain

import "time"

const (
	DefaultArtistName  = "Desconocido"
	DefaultAlbumTitle  = "Internet Archive"
	DefaultArtistImage = "/img/default-artist.png"
)

type Artist struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl,omitempty"`
}

type Album struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	ArtistID string `json:"artistId"`
	CoverURL string `json:"coverUrl,omitempty"`
}

// LocalizedMedia is a catalog song row backed by files on local disk.
// Paths are relative to the media cache root.
type LocalizedMedia struct {
	ID              string    `json:"id"`
	Identifier      string    `json:"identifier"`
	Title           string    `json:"title"`
	ArtistID        string    `json:"artistId"`
	AlbumID         string    `json:"albumId"`
	AudioPath       string    `json:"audioPath"`
	CoverPath       string    `json:"coverPath,omitempty"`
	DurationSeconds float64   `json:"durationSeconds,omitempty"`
	Year            string    `json:"year,omitempty"`
	BitRate         int       `json:"bitRate,omitempty"`
	SampleRate      int       `json:"sampleRate,omitempty"`
	BitDepth        int       `json:"bitDepth,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}
