// Package stream defines the playable stream descriptors (radio stations and
// pre-recorded DJ mixes) and the immutable catalog built from configuration.
package stream

import (
	"errors"
	"fmt"
)

// Kind distinguishes live stations from pre-recorded mixes.
type Kind string

const (
	KindStation Kind = "station"
	KindMix     Kind = "mix"
)

var (
	// ErrEmptyID indicates a descriptor without an identity.
	ErrEmptyID = errors.New("stream id is empty")

	// ErrDuplicateID indicates two descriptors share the same id.
	ErrDuplicateID = errors.New("duplicate stream id")

	// ErrNotFound indicates the catalog has no stream with the requested id.
	ErrNotFound = errors.New("stream not found")
)

// Descriptor identifies one playable stream. It is immutable once built.
type Descriptor struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	StreamURL   string `json:"streamUrl"`
	MetadataURL string `json:"metadataUrl,omitempty"`
	DisplayArt  string `json:"displayArt,omitempty"`
	Kind        Kind   `json:"kind"`
	Relay       bool   `json:"relay,omitempty"` // now-playing comes from the metadata relay
}

// Same reports whether d and other refer to the same stream. Identity is the id.
func (d Descriptor) Same(other *Descriptor) bool {
	return other != nil && d.ID == other.ID
}

// HasMetadata reports whether the stream has a now-playing endpoint.
func (d Descriptor) HasMetadata() bool {
	return d.MetadataURL != ""
}

// Catalog is the ordered set of streams the player can offer.
type Catalog struct {
	items []Descriptor
	byID  map[string]int
}

// NewCatalog builds a catalog, preserving order.
func NewCatalog(items []Descriptor) (*Catalog, error) {
	c := &Catalog{
		items: make([]Descriptor, 0, len(items)),
		byID:  make(map[string]int, len(items)),
	}

	for _, d := range items {
		if d.ID == "" {
			return nil, fmt.Errorf("%w (title %q)", ErrEmptyID, d.Title)
		}
		if _, exists := c.byID[d.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, d.ID)
		}
		if d.Kind == "" {
			d.Kind = KindStation
		}
		c.byID[d.ID] = len(c.items)
		c.items = append(c.items, d)
	}

	return c, nil
}

// Get returns the descriptor with the given id.
func (c *Catalog) Get(id string) (Descriptor, error) {
	idx, ok := c.byID[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.items[idx], nil
}

// All returns every descriptor in catalog order.
func (c *Catalog) All() []Descriptor {
	out := make([]Descriptor, len(c.items))
	copy(out, c.items)
	return out
}

// Stations returns the live stations.
func (c *Catalog) Stations() []Descriptor {
	return c.filter(KindStation)
}

// Mixes returns the pre-recorded mixes.
func (c *Catalog) Mixes() []Descriptor {
	return c.filter(KindMix)
}

// Len returns the number of streams.
func (c *Catalog) Len() int {
	return len(c.items)
}

func (c *Catalog) filter(kind Kind) []Descriptor {
	var out []Descriptor
	for _, d := range c.items {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}
