package ingest

import (
	"errors"

	"github.com/google/uuid"

	"oaiharvest/internal/content"
)

var (
	ErrInvalidRecord = errors.New("invalid record")
	ErrInvalidItem   = errors.New("invalid item")
	ErrNoBlobStore   = errors.New("no bitstream store configured")
)

type Outcome int

const (
	Created Outcome = iota + 1
	Updated
	Withdrawn
	Skipped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Withdrawn:
		return "withdrawn"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Result is the outcome of applying one record. Err is set only for Failed.
type Result struct {
	Outcome Outcome
	ItemID  uuid.UUID
	Err     error
}

// LinkMode selects what happens with the files a record aggregates.
type LinkMode int

const (
	LinkNone LinkMode = iota
	LinkReferences
	LinkBitstreams
)

// Target is the collection a record is applied to.
type Target struct {
	Collection content.Collection
	BaseURL    string
	Links      LinkMode
}

type Options struct {
	RecordValidation bool
	ItemValidation   bool
	SubmitEnabled    bool
	// SubmitterID owns items created while submission is disabled.
	SubmitterID uuid.UUID
}
