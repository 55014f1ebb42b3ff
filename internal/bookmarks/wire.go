package bookmarks

import (
	"encoding/json"
	"fmt"
	"time"
)

// wirePayload mirrors the bookmarks-collection wire record shape
// exactly, independent of the internal Payload representation, so JSON
// (de)serialization stays decoupled from storage-layer field names.
type wirePayload struct {
	ID            string   `json:"id"`
	Type          string   `json:"type"`
	ParentID      string   `json:"parentid"`
	ParentName    *string  `json:"parentName,omitempty"`
	DateAdded     *int64   `json:"dateAdded,omitempty"`
	Title         *string  `json:"title,omitempty"`
	BookmarkURI   *string  `json:"bmkUri,omitempty"`
	Children      []string `json:"children,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Keyword       *string  `json:"keyword,omitempty"`
	TagFolderName *string  `json:"tagFolderName,omitempty"`
	Position      *int     `json:"pos,omitempty"`
	Deleted       *bool    `json:"deleted,omitempty"`
}

func kindFromWireType(t string) (Kind, error) {
	switch t {
	case "bookmark":
		return KindBookmark, nil
	case "query":
		return KindQuery, nil
	case "folder":
		return KindFolder, nil
	case "livemark":
		return KindLivemark, nil
	case "separator":
		return KindSeparator, nil
	default:
		return 0, fmt.Errorf("%w: unknown record type %q", ErrInvalidPayload, t)
	}
}

func wireTypeFromKind(k Kind) string {
	return k.String()
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var w wirePayload
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if w.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidPayload)
	}

	deleted := w.Deleted != nil && *w.Deleted
	var kind Kind
	if !deleted {
		k, err := kindFromWireType(w.Type)
		if err != nil {
			// Unknown kinds are silently discarded by the applicator, not
			// treated as invalid; mark via zero kind and let applyPayload's
			// default case drop it.
			kind = 0
		} else {
			kind = k
		}
	}

	*p = Payload{
		GUID:          w.ID,
		ParentGUID:    w.ParentID,
		ParentTitle:   w.ParentName,
		Kind:          kind,
		Deleted:       deleted,
		DateAdded:     w.DateAdded,
		Title:         w.Title,
		BookmarkURI:   w.BookmarkURI,
		Children:      w.Children,
		Tags:          w.Tags,
		Keyword:       w.Keyword,
		TagFolderName: w.TagFolderName,
		Position:      w.Position,
	}
	return nil
}

func (p Payload) MarshalJSON() ([]byte, error) {
	w := wirePayload{
		ID:            p.GUID,
		Type:          wireTypeFromKind(p.Kind),
		ParentID:      p.ParentGUID,
		ParentName:    p.ParentTitle,
		DateAdded:     p.DateAdded,
		Title:         p.Title,
		BookmarkURI:   p.BookmarkURI,
		Children:      p.Children,
		Tags:          p.Tags,
		Keyword:       p.Keyword,
		TagFolderName: p.TagFolderName,
		Position:      p.Position,
	}
	if p.Deleted {
		d := true
		w.Deleted = &d
	}
	return json.Marshal(w)
}

// incomingChangeWire mirrors IncomingChangeset's JSON shape:
// (timestamp, changes: [(payload, server_modified)]).
type incomingChangeWire struct {
	Payload        Payload `json:"payload"`
	ServerModified int64   `json:"serverModified"`
}

type incomingChangesetWire struct {
	Timestamp int64                `json:"timestamp"`
	Changes   []incomingChangeWire `json:"changes"`
}

func (c *IncomingChangeset) UnmarshalJSON(data []byte) error {
	var w incomingChangesetWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	c.Timestamp = time.UnixMilli(w.Timestamp)
	c.Changes = make([]IncomingChange, 0, len(w.Changes))
	for _, ch := range w.Changes {
		c.Changes = append(c.Changes, IncomingChange{
			Payload:        ch.Payload,
			ServerModified: time.UnixMilli(ch.ServerModified),
		})
	}
	return nil
}

func (c IncomingChangeset) MarshalJSON() ([]byte, error) {
	w := incomingChangesetWire{Timestamp: c.Timestamp.UnixMilli()}
	for _, ch := range c.Changes {
		w.Changes = append(w.Changes, incomingChangeWire{Payload: ch.Payload, ServerModified: ch.ServerModified.UnixMilli()})
	}
	return json.Marshal(w)
}

// OutgoingRecord.MarshalJSON reuses the same wire shape for materialized
// outgoing records.
func (r OutgoingRecord) MarshalJSON() ([]byte, error) {
	w := wirePayload{
		ID:            r.ID,
		Type:          wireTypeFromKind(r.Type),
		ParentID:      r.ParentID,
		ParentName:    r.ParentTitle,
		DateAdded:     r.DateAdded,
		Title:         r.Title,
		BookmarkURI:   r.BookmarkURI,
		Children:      r.Children,
		Tags:          r.Tags,
		Keyword:       r.Keyword,
		TagFolderName: r.TagFolderName,
		Position:      r.Position,
	}
	if r.Deleted {
		d := true
		w.Deleted = &d
	}
	return json.Marshal(w)
}
