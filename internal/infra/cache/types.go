package cache

import "time"

// Stats summarises the description cache.
type Stats struct {
	Driver        string    `json:"driver"`
	Descriptions  int       `json:"descriptions"`
	Expired       int       `json:"expired"`
	SchemaVersion string    `json:"schemaVersion,omitempty"`
	LastStreamID  string    `json:"lastStreamId,omitempty"`
	LastPurge     time.Time `json:"lastPurge,omitempty"`
}
