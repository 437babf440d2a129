package content

import (
	"time"

	"github.com/google/uuid"
)

type Collection struct {
	ID             uuid.UUID
	Handle         string
	Name           string
	ParentName     string
	RequiredFields []string
}

type Bitstream struct {
	Name      string `json:"name"`
	SourceURL string `json:"source_url"`
	ObjectKey string `json:"object_key"`
	MimeType  string `json:"mime_type"`
	Size      int64  `json:"size"`
}

type Item struct {
	ID           uuid.UUID
	CollectionID uuid.UUID
	ExternalID   string
	Datestamp    time.Time
	Metadata     map[string][]string
	InArchive    bool
	Withdrawn    bool
	SubmitterID  *uuid.UUID
	References   []string
	Bitstreams   []Bitstream
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
