package archive

import (
	"errors"
	"path"
	"regexp"
	"strconv"
	"strings"

	"archivestream/searchservice/internal/domain"
)

const (
	untitled       = "Sin título"
	unknownCreator = "Autor desconocido"
)

var (
	errNoAudioFile = errors.New("item has no playable audio file")

	audioExtension      = regexp.MustCompile(`(?i)\.(mp3|flac|wav|m4a)$`)
	audioFormat         = regexp.MustCompile(`(?i)(flac|wav|m4a|mp3)`)
	imageExtension      = regexp.MustCompile(`(?i)\.(jpg|jpeg|png|gif)$`)
	leadingTrackNo      = regexp.MustCompile(`^\d+\s*-?\s*`)
	yearPrefix          = regexp.MustCompile(`^\d{4}`)
	preferredCoverNames = []string{"cover", "front", "folder", "album", "art", "scan"}
)

// pickAudioFile prefers FLAC, then VBR MP3 derivatives, then any MP3, then
// anything whose format looks like audio.
func pickAudioFile(files []MetadataFile) (MetadataFile, bool) {
	checks := []func(MetadataFile) bool{
		func(f MetadataFile) bool { return strings.HasSuffix(strings.ToLower(f.Name), ".flac") },
		func(f MetadataFile) bool { return f.Format.String() == "VBR MP3" },
		func(f MetadataFile) bool { return strings.HasSuffix(strings.ToLower(f.Name), ".mp3") },
		func(f MetadataFile) bool { return f.Format != "" && audioFormat.MatchString(f.Format.String()) },
	}
	for _, check := range checks {
		for _, file := range files {
			if file.Name != "" && check(file) {
				return file, true
			}
		}
	}
	return MetadataFile{}, false
}

// pickCoverFile returns the best image file name, or "" when the item has no
// images.
func pickCoverFile(files []MetadataFile) string {
	var images []string
	for _, file := range files {
		if file.Name != "" && imageExtension.MatchString(file.Name) {
			images = append(images, file.Name)
		}
	}
	if len(images) == 0 {
		return ""
	}
	for _, preferred := range preferredCoverNames {
		for _, name := range images {
			base := strings.ToLower(path.Base(name))
			base = strings.TrimSuffix(base, path.Ext(base))
			if base == preferred {
				return name
			}
		}
	}
	return images[0]
}

func cleanTrackTitle(raw string) string {
	value := audioExtension.ReplaceAllString(strings.TrimSpace(raw), "")
	value = leadingTrackNo.ReplaceAllString(value, "")
	return strings.TrimSpace(value)
}

func itemYear(meta ItemMetadata) string {
	if year := strings.TrimSpace(meta.Year.String()); year != "" {
		return year
	}
	date := strings.TrimSpace(meta.Date.String())
	if match := yearPrefix.FindString(date); match != "" {
		return match
	}
	return date
}

// parseLength reads seconds from "245.3", "4:05" or "1:02:03".
func parseLength(raw string) float64 {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0
	}
	if !strings.Contains(value, ":") {
		seconds, err := strconv.ParseFloat(value, 64)
		if err != nil || seconds < 0 {
			return 0
		}
		return seconds
	}
	var total float64
	for _, part := range strings.Split(value, ":") {
		n, err := strconv.ParseFloat(part, 64)
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + n
	}
	return total
}

func parseBitRate(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func stripAudioExtension(identifier string) string {
	return audioExtension.ReplaceAllString(identifier, "")
}

// resultFromMetadata builds an enriched result for identifier.
func (c *Client) resultFromMetadata(identifier string, doc SearchDoc, meta *MetadataDocument) (domain.SearchResult, error) {
	audio, ok := pickAudioFile(meta.Files)
	if !ok {
		return domain.SearchResult{}, errNoAudioFile
	}

	coverURL := c.ImageURL(identifier)
	if name := pickCoverFile(meta.Files); name != "" {
		coverURL = c.DownloadURL(identifier, name)
	}

	album := strings.TrimSpace(meta.Metadata.Title.String())
	title := album
	if title == "" {
		trackTitle := audio.Title.String()
		if trackTitle == "" {
			trackTitle = audio.Name
		}
		title = cleanTrackTitle(trackTitle)
	}
	if title == "" {
		title = untitled
	}
	creator := strings.TrimSpace(meta.Metadata.Creator.String())
	if creator == "" {
		creator = unknownCreator
	}
	year := itemYear(meta.Metadata)

	result := domain.SearchResult{
		ID:              domain.ResultIDPrefix + identifier,
		Identifier:      identifier,
		Title:           title,
		Creator:         creator,
		Album:           album,
		Year:            year,
		CoverURL:        coverURL,
		MediaURL:        c.DownloadURL(identifier, audio.Name),
		DurationSeconds: parseLength(audio.Length.String()),
		DownloadsRank:   int64(doc.Downloads),
		BitRate:         parseBitRate(audio.Bitrate.String()),
		Provider:        domain.ProviderArchive,
	}
	if album != "" {
		result.DisplayTitle = creator + " - " + album
		if year != "" {
			result.DisplayTitle += " (" + year + ")"
		}
	}
	return result, nil
}

// fallbackResult keeps the search document when metadata could not be
// fetched. The media URL points at the item's details page.
func (c *Client) fallbackResult(doc SearchDoc) domain.SearchResult {
	identifier := stripAudioExtension(doc.Identifier)
	title := strings.TrimSpace(doc.Title.String())
	if title == "" {
		title = identifier
	}
	creator := strings.TrimSpace(doc.Creator.String())
	if creator == "" {
		creator = unknownCreator
	}
	return domain.SearchResult{
		ID:            domain.ResultIDPrefix + identifier,
		Identifier:    identifier,
		Title:         title,
		Creator:       creator,
		CoverURL:      c.ImageURL(identifier),
		MediaURL:      c.DetailsURL(identifier),
		DownloadsRank: int64(doc.Downloads),
		Provider:      domain.ProviderArchive,
	}
}
