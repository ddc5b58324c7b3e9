package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// Text decodes archive metadata values that may arrive as a string, a
// number, or an array of either (the first non-empty element wins).
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	switch data[0] {
	case '"':
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		*t = Text(strings.TrimSpace(value))
		return nil
	case '[':
		var items []Text
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*t = ""
		for _, item := range items {
			if item != "" {
				*t = item
				break
			}
		}
		return nil
	case '{':
		*t = ""
		return nil
	default:
		*t = Text(data)
		return nil
	}
}

func (t Text) String() string { return string(t) }

// TextList decodes a string or an array of strings.
type TextList []string

func (l *TextList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if data[0] == '[' {
		var items []Text
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			if item != "" {
				out = append(out, string(item))
			}
		}
		*l = out
		return nil
	}
	var single Text
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	if single == "" {
		*l = nil
		return nil
	}
	*l = TextList{string(single)}
	return nil
}

// Count decodes an integer that may be encoded as a number or a string.
type Count int64

func (c *Count) UnmarshalJSON(data []byte) error {
	var text Text
	if err := text.UnmarshalJSON(data); err != nil {
		return err
	}
	value := strings.TrimSpace(string(text))
	if value == "" {
		*c = 0
		return nil
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		*c = Count(n)
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		*c = 0
		return nil
	}
	*c = Count(int64(f))
	return nil
}

// SearchDocument is the advancedsearch.php response.
type SearchDocument struct {
	Response *SearchResponseBody `json:"response"`
}

type SearchResponseBody struct {
	NumFound int64       `json:"numFound"`
	Docs     []SearchDoc `json:"docs"`
}

type SearchDoc struct {
	Identifier string   `json:"identifier"`
	Title      Text     `json:"title"`
	Creator    Text     `json:"creator"`
	Format     TextList `json:"format"`
	Downloads  Count    `json:"downloads"`
}

func (d *SearchDocument) Validate() error {
	if d.Response == nil {
		return errors.New("search document has no response object")
	}
	if d.Response.Docs == nil {
		return errors.New("search document has no docs array")
	}
	return nil
}

// MetadataDocument is the /metadata/{identifier} response.
type MetadataDocument struct {
	Files    []MetadataFile `json:"files"`
	Metadata ItemMetadata   `json:"metadata"`
}

type MetadataFile struct {
	Name    string `json:"name"`
	Format  Text   `json:"format"`
	Length  Text   `json:"length"`
	Title   Text   `json:"title"`
	Bitrate Text   `json:"bitrate"`
	Source  Text   `json:"source"`
}

type ItemMetadata struct {
	Identifier Text `json:"identifier"`
	Title      Text `json:"title"`
	Creator    Text `json:"creator"`
	Year       Text `json:"year"`
	Date       Text `json:"date"`
}

func (d *MetadataDocument) Validate() error {
	if d.Files == nil {
		return errors.New("metadata document has no files array")
	}
	return nil
}
