package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/muhammadmuzzammil1998/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/matt-riley/rolloutz/internal/core"
)

var ErrUnsupportedFormat = errors.New("unsupported snapshot format")

// Document is the on-disk layout of a snapshot file.
type Document struct {
	Flags    []core.Flag    `json:"flags" yaml:"flags"`
	Segments []core.Segment `json:"segments,omitempty" yaml:"segments,omitempty"`
}

// Snapshot builds an immutable snapshot from the document.
func (d Document) Snapshot() *core.Snapshot {
	return core.NewSnapshot(d.Flags, d.Segments)
}

type Parser interface {
	Parse(data []byte) (Document, error)
	SupportsFileExtension(ext string) bool
}

type JSONParser struct{}

func (JSONParser) Parse(data []byte) (Document, error) {
	return decodeJSON(data)
}

func (JSONParser) SupportsFileExtension(ext string) bool {
	return strings.EqualFold(strings.TrimPrefix(ext, "."), "json")
}

// JSONCParser accepts JSON with comments and trailing commas.
type JSONCParser struct{}

func (JSONCParser) Parse(data []byte) (Document, error) {
	return decodeJSON(jsonc.ToJSON(data))
}

func (JSONCParser) SupportsFileExtension(ext string) bool {
	return strings.EqualFold(strings.TrimPrefix(ext, "."), "jsonc")
}

type YAMLParser struct{}

func (YAMLParser) Parse(data []byte) (Document, error) {
	var doc Document
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Document{}, nil
		}
		return Document{}, fmt.Errorf("decode yaml snapshot: %w", err)
	}
	return doc, nil
}

func (YAMLParser) SupportsFileExtension(ext string) bool {
	ext = strings.TrimPrefix(ext, ".")
	return strings.EqualFold(ext, "yaml") || strings.EqualFold(ext, "yml")
}

var parsers = []Parser{JSONParser{}, JSONCParser{}, YAMLParser{}}

// ParserFor picks a parser from the file extension of path.
func ParserFor(path string) (Parser, error) {
	ext := filepath.Ext(path)
	for _, parser := range parsers {
		if parser.SupportsFileExtension(ext) {
			return parser, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
}

// ReadFile parses the snapshot document at path without validating it.
func ReadFile(path string) (Document, error) {
	parser, err := ParserFor(path)
	if err != nil {
		return Document{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read snapshot file: %w", err)
	}

	doc, err := parser.Parse(data)
	if err != nil {
		return Document{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

// LoadFile reads path and returns its snapshot. Configuration problems are
// not checked here; use core.Validate on the result.
func LoadFile(path string) (*core.Snapshot, error) {
	doc, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return doc.Snapshot(), nil
}

func decodeJSON(data []byte) (Document, error) {
	var doc Document
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("decode json snapshot: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return Document{}, errors.New("decode json snapshot: multiple JSON values")
	}
	return doc, nil
}
