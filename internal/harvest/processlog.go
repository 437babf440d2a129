package harvest

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"oaiharvest/internal/content"
)

const (
	processLogPrefix    = "PROCESSINGDATA "
	processLogDelimiter = "|"
	processLogTime      = "2006-01-02T15:04:05Z"
)

// processLog writes the START/FINISH lines consumed by external log
// processing. The line layout is fixed.
type processLog struct {
	logger *zap.Logger
}

func newProcessLog(logger *zap.Logger) *processLog {
	return &processLog{logger: logger.Named("processing")}
}

type processEntry struct {
	processID  uuid.UUID
	source     string
	set        string
	parentName string
	collection content.Collection
}

func (p *processLog) start(e processEntry, at time.Time) {
	p.logger.Info(e.line(at, "START", 0))
}

func (p *processLog) finish(e processEntry, at time.Time, elapsed time.Duration) {
	p.logger.Info(e.line(at, "FINISH", elapsed.Milliseconds()))
}

func (e processEntry) line(at time.Time, phase string, elapsedMs int64) string {
	return processLogPrefix + strings.Join([]string{
		e.processID.String(),
		at.UTC().Format(processLogTime),
		e.source,
		e.set,
		e.parentName,
		e.collection.ID.String(),
		e.collection.Name,
		phase,
		strconv.FormatInt(elapsedMs, 10),
	}, processLogDelimiter)
}
