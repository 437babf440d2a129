package harvest

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"oaiharvest/internal/ingest"
)

type HarvestType int

const (
	Disabled HarvestType = iota
	MetadataOnly
	MetadataAndReferences
	MetadataAndBitstreams
)

func (t HarvestType) String() string {
	switch t {
	case Disabled:
		return "disabled"
	case MetadataOnly:
		return "metadata"
	case MetadataAndReferences:
		return "metadata+references"
	case MetadataAndBitstreams:
		return "metadata+bitstreams"
	}
	return fmt.Sprintf("HarvestType(%d)", int(t))
}

func (t HarvestType) Valid() bool {
	return t >= Disabled && t <= MetadataAndBitstreams
}

func (t HarvestType) linkMode() ingest.LinkMode {
	switch t {
	case MetadataAndReferences:
		return ingest.LinkReferences
	case MetadataAndBitstreams:
		return ingest.LinkBitstreams
	}
	return ingest.LinkNone
}

type Status int

const (
	StatusReady Status = iota
	StatusBusy
	StatusQueued
	StatusOAIError
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "READY"
	case StatusBusy:
		return "BUSY"
	case StatusQueued:
		return "QUEUED"
	case StatusOAIError:
		return "OAI_ERROR"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// HarvestedCollection is the harvesting configuration and runtime state of
// one local collection.
type HarvestedCollection struct {
	CollectionID     uuid.UUID
	HarvestType      HarvestType
	OAISource        string
	OAISetID         *string
	MetadataConfigID string

	Status           Status
	LastHarvested    *time.Time
	HarvestStartTime *time.Time
	Message          string
	ProcessID        *uuid.UUID
	UpdatedAt        time.Time
}

// Validate checks the configuration half of the row.
func (hc HarvestedCollection) Validate() error {
	if !hc.HarvestType.Valid() {
		return &ConfigurationError{CollectionID: hc.CollectionID, Reason: fmt.Sprintf("unknown harvest type %d", int(hc.HarvestType))}
	}
	if hc.HarvestType == Disabled {
		return &ConfigurationError{CollectionID: hc.CollectionID, Reason: "harvesting is disabled"}
	}
	if strings.TrimSpace(hc.OAISource) == "" {
		return &ConfigurationError{CollectionID: hc.CollectionID, Reason: "no OAI source configured"}
	}
	if strings.TrimSpace(hc.MetadataConfigID) == "" {
		return &ConfigurationError{CollectionID: hc.CollectionID, Reason: "no metadata format configured"}
	}
	return nil
}

func (hc HarvestedCollection) Set() string {
	if hc.OAISetID == nil {
		return ""
	}
	return *hc.OAISetID
}

// Options tune a single cycle. They are passed by value and never changed
// once a cycle starts.
type Options struct {
	ForceSynch       bool
	RecordValidation bool
	ItemValidation   bool
	SubmitEnabled    bool
	ProcessID        uuid.UUID
}

func DefaultOptions() Options {
	return Options{SubmitEnabled: true}
}

// Policy holds the tunables shared by all cycles of a process.
type Policy struct {
	// BatchSize is the number of processed records per commit.
	BatchSize     int
	MessageMaxLen int
	// MaxFailureRatio turns a cycle into an error once failed/processed
	// exceeds it. Zero keeps per-record failures out of the cycle status.
	MaxFailureRatio    float64
	MinRecordsForRatio int
}

func DefaultPolicy() Policy {
	return Policy{
		BatchSize:          50,
		MessageMaxLen:      1000,
		MinRecordsForRatio: 10,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.BatchSize <= 0 {
		p.BatchSize = d.BatchSize
	}
	if p.MessageMaxLen <= 0 {
		p.MessageMaxLen = d.MessageMaxLen
	}
	if p.MinRecordsForRatio <= 0 {
		p.MinRecordsForRatio = d.MinRecordsForRatio
	}
	return p
}

func (p Policy) truncate(msg string) string {
	if utf8.RuneCountInString(msg) <= p.MessageMaxLen {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:p.MessageMaxLen])
}

// Summary counts what one cycle did.
type Summary struct {
	Processed int
	Created   int
	Updated   int
	Withdrawn int
	Skipped   int
	Failed    int
	Flushes   int
	// FirstFailure is the reason of the first failed record.
	FirstFailure string
}

func (s *Summary) add(r ingest.Result) {
	switch r.Outcome {
	case ingest.Created:
		s.Created++
	case ingest.Updated:
		s.Updated++
	case ingest.Withdrawn:
		s.Withdrawn++
	case ingest.Skipped:
		s.Skipped++
	case ingest.Failed:
		s.Failed++
		if s.FirstFailure == "" && r.Err != nil {
			s.FirstFailure = r.Err.Error()
		}
	}
}

func (s Summary) String() string {
	msg := fmt.Sprintf("harvested %d records: %d created, %d updated, %d withdrawn, %d skipped, %d failed",
		s.Processed, s.Created, s.Updated, s.Withdrawn, s.Skipped, s.Failed)
	if s.FirstFailure != "" {
		msg += "; first failure: " + s.FirstFailure
	}
	return msg
}
