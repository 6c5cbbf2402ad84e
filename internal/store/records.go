// Package store reads and writes the flat, UUID-keyed on-disk document store
// used by the device ("xochitl" layout): per entity a <uuid>.metadata JSON
// record, a <uuid>.content JSON record for documents, and payload files
// (<uuid>.pdf, <uuid>.epub, per-page strokes under <uuid>/).
//
// Parsing is pure (bytes in, typed record or classified error out); all I/O
// goes through [Dir]. The directory is shared with the device's native
// application, so records are never assumed to be exclusively owned: rewrites
// preserve fields this program does not understand.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes documents from collections (folders).
type Kind int

const (
	KindDocument Kind = iota
	KindCollection
)

func (k Kind) String() string {
	if k == KindCollection {
		return "collection"
	}
	return "document"
}

// Format is the payload format of a document.
type Format string

const (
	FormatNotebook Format = "notebook"
	FormatPDF      Format = "pdf"
	FormatEPUB     Format = "epub"
)

// Extension returns the file extension (with dot) a document of this format
// is presented with. Notebooks are presented as PDF because their stroke
// payload is only viewable once rendered.
func (f Format) Extension() string {
	if f == FormatEPUB {
		return ".epub"
	}
	return ".pdf"
}

// ParentRef is the parent pointer of an entity: the synthetic root, the
// trash, or another entity's UUID. Its JSON encoding is "" for root, "trash"
// for trash, and the UUID string otherwise.
type ParentRef struct {
	Trash bool
	ID    uuid.UUID // uuid.Nil unless pointing at a collection
}

// RootParent returns the parent reference for root-attached entities.
func RootParent() ParentRef { return ParentRef{} }

// TrashParent returns the parent reference for trashed entities.
func TrashParent() ParentRef { return ParentRef{Trash: true} }

// DirParent returns a parent reference pointing at a collection.
func DirParent(id uuid.UUID) ParentRef { return ParentRef{ID: id} }

// IsRoot reports whether the reference points at the synthetic root.
func (p ParentRef) IsRoot() bool { return !p.Trash && p.ID == uuid.Nil }

func (p ParentRef) String() string {
	switch {
	case p.Trash:
		return "trash"
	case p.ID == uuid.Nil:
		return ""
	default:
		return p.ID.String()
	}
}

// MarshalJSON implements json.Marshaler.
func (p ParentRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *ParentRef) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "":
		*p = ParentRef{}
	case "trash":
		*p = ParentRef{Trash: true}
	default:
		id, err := uuid.Parse(s)
		if err != nil {
			return fmt.Errorf("parent %q is neither empty, trash, nor a UUID: %w", s, err)
		}
		*p = ParentRef{ID: id}
	}
	return nil
}

// Metadata is the typed form of a <uuid>.metadata record.
type Metadata struct {
	Type         string    `json:"type"`
	VisibleName  string    `json:"visibleName"`
	Parent       ParentRef `json:"parent"`
	Pinned       bool      `json:"pinned"`
	Deleted      bool      `json:"deleted,omitempty"`
	LastModified string    `json:"lastModified,omitempty"`
	Version      int       `json:"version,omitempty"`
	Synced       bool      `json:"synced,omitempty"`
}

// Record type strings used by the native application.
const (
	TypeDocument   = "DocumentType"
	TypeCollection = "CollectionType"
)

// Kind maps the record type string to a [Kind].
func (m *Metadata) Kind() (Kind, error) {
	switch m.Type {
	case TypeDocument:
		return KindDocument, nil
	case TypeCollection:
		return KindCollection, nil
	default:
		return 0, fmt.Errorf("unknown record type %q", m.Type)
	}
}

// ModTime decodes the lastModified field (epoch milliseconds as a string).
// Returns the zero time when absent or unparseable; the field is advisory.
func (m *Metadata) ModTime() time.Time {
	if m.LastModified == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(m.LastModified, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Content is the typed form of a <uuid>.content record (documents only).
type Content struct {
	FileType      Format   `json:"fileType"`
	FormatVersion int      `json:"formatVersion,omitempty"`
	PageCount     int      `json:"pageCount,omitempty"`
	Pages         []string `json:"pages,omitempty"`
	Orientation   string   `json:"orientation,omitempty"`
	CoverPage     int      `json:"coverPageNumber,omitempty"`
}

// maxContentFormatVersion is the newest on-disk content schema this parser
// understands. Newer records are rejected as ErrUnsupportedVersion instead
// of being silently misread.
const maxContentFormatVersion = 2

// ParseMetadata decodes a raw .metadata record.
func ParseMetadata(b []byte) (*Metadata, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, &ParseError{Kind: ErrTruncated, Err: fmt.Errorf("empty metadata record")}
	}
	m := &Metadata{}
	if err := strictUnmarshal(b, m); err != nil {
		return nil, &ParseError{Kind: ErrMalformed, Err: err}
	}
	if _, err := m.Kind(); err != nil {
		return nil, &ParseError{Kind: ErrUnsupportedVersion, Err: err}
	}
	return m, nil
}

// ParseContent decodes a raw .content record.
func ParseContent(b []byte) (*Content, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, &ParseError{Kind: ErrTruncated, Err: fmt.Errorf("empty content record")}
	}
	c := &Content{}
	if err := strictUnmarshal(b, c); err != nil {
		return nil, &ParseError{Kind: ErrMalformed, Err: err}
	}
	if c.FormatVersion > maxContentFormatVersion {
		return nil, &ParseError{
			Kind: ErrUnsupportedVersion,
			Err:  fmt.Errorf("content formatVersion %d is newer than supported %d", c.FormatVersion, maxContentFormatVersion),
		}
	}
	switch c.FileType {
	case FormatNotebook, FormatPDF, FormatEPUB, "":
	default:
		return nil, &ParseError{Kind: ErrUnsupportedVersion, Err: fmt.Errorf("unknown fileType %q", c.FileType)}
	}
	return c, nil
}

// strictUnmarshal decodes JSON while tolerating unknown fields (the native
// application owns fields we do not model) but rejecting trailing garbage,
// which is the usual symptom of a torn concurrent write.
func strictUnmarshal(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON record")
	}
	return nil
}

// RewriteMetadata applies mutate to the raw JSON object of a .metadata
// record and re-encodes it, preserving every field the typed [Metadata]
// does not model. Used for rename/move/trash, where the record is owned by
// the native application and must round-trip losslessly.
func RewriteMetadata(raw []byte, mutate func(obj map[string]json.RawMessage) error) ([]byte, error) {
	obj := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, &ParseError{Kind: ErrMalformed, Err: err}
	}
	if err := mutate(obj); err != nil {
		return nil, err
	}
	out, err := json.MarshalIndent(obj, "", "    ")
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeMetadata renders a fresh .metadata record, pretty-printed the way
// the native application writes them.
func EncodeMetadata(m *Metadata) ([]byte, error) {
	return json.MarshalIndent(m, "", "    ")
}

// EncodeContent renders a fresh .content record.
func EncodeContent(c *Content) ([]byte, error) {
	return json.MarshalIndent(c, "", "    ")
}

// NowMillis formats t the way lastModified is stored on disk.
func NowMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
