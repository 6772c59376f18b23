package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"meshflow/internal/metrics"
	"meshflow/pkg/calendar"
	"meshflow/pkg/comm"
	"meshflow/pkg/metadata"
)

// Metadata keys the executive reads from the terminal stage's report.
const (
	// KeyCoordinates is the nested metadata describing the mesh axes.
	KeyCoordinates = "coordinates"
	// KeyTimeUnits and KeyTimeCalendar live inside KeyCoordinates.
	KeyTimeUnits    = "t_units"
	KeyTimeCalendar = "t_calendar"
	// KeyTimeAxis is the time coordinate array inside KeyCoordinates.
	KeyTimeAxis = "t"
)

// Executive enumerates work indices from a stage's reported metadata and
// emits one base request per local index. Rank r of P receives the
// contiguous block [r*N/P, (r+1)*N/P).
type Executive struct {
	// Comm partitions indices across ranks; nil means single rank.
	Comm comm.Communicator

	// FirstStep and LastStep bound the index range; LastStep < 0 means
	// the last available index.
	FirstStep int64
	LastStep  int64

	// StartDate and EndDate, when non-empty, intersect the step range
	// with a date range resolved against the time axis calendar.
	StartDate string
	EndDate   string

	// Arrays and Bounds are copied onto every base request.
	Arrays []string
	Bounds []float64

	logger   *logrus.Logger
	requests []*metadata.Metadata
	next     int
	canceled atomic.Bool
}

// NewExecutive returns an executive with an unrestricted step range.
func NewExecutive(c comm.Communicator, logger *logrus.Logger) *Executive {
	if c == nil {
		c = comm.NewSelf()
	}
	return &Executive{Comm: c, LastStep: -1, logger: logger}
}

// Cancel asks the executive to stop handing out requests. In-flight
// requests are allowed to complete.
func (e *Executive) Cancel() { e.canceled.Store(true) }

// Initialize reads the index keys from md, applies step and date range
// restrictions, partitions across ranks and builds the local requests.
func (e *Executive) Initialize(md *metadata.Metadata) error {
	initKey, ok := md.GetString(KeyIndexInitializer)
	if !ok {
		return fmt.Errorf("executive: metadata is missing %s", KeyIndexInitializer)
	}
	reqKey, ok := md.GetString(KeyIndexRequest)
	if !ok {
		return fmt.Errorf("executive: metadata is missing %s", KeyIndexRequest)
	}
	n, ok := md.GetInt64(initKey)
	if !ok {
		return fmt.Errorf("executive: metadata is missing the index count %q", initKey)
	}

	first := e.FirstStep
	if first < 0 {
		first = 0
	}
	last := e.LastStep
	if last < 0 || last > n-1 {
		last = n - 1
	}

	if e.StartDate != "" || e.EndDate != "" {
		df, dl, err := e.resolveDateRange(md, n)
		if err != nil {
			return err
		}
		if df > first {
			first = df
		}
		if dl < last {
			last = dl
		}
	}

	if first > last {
		e.requests = nil
		e.next = 0
		e.logger.WithFields(logrus.Fields{
			"component":  "executive",
			"first_step": first,
			"last_step":  last,
		}).Warn("Empty step range, no requests to issue")
		return nil
	}

	total := last - first + 1
	lo, hi := comm.BlockPartition(total, e.Comm.Size(), e.Comm.Rank())

	e.requests = e.requests[:0]
	for i := lo; i < hi; i++ {
		req := metadata.New()
		req.SetInt64(reqKey, first+i)
		if len(e.Arrays) > 0 {
			req.SetStringSlice(KeyArrays, e.Arrays)
		}
		if len(e.Bounds) == 6 {
			req.SetFloat64Slice(KeyBounds, e.Bounds)
		}
		e.requests = append(e.requests, req)
	}
	e.next = 0

	e.logger.WithFields(logrus.Fields{
		"component":   "executive",
		"total_steps": n,
		"first_step":  first,
		"last_step":   last,
		"rank":        e.Comm.Rank(),
		"ranks":       e.Comm.Size(),
		"local":       len(e.requests),
	}).Info("Executive initialized")
	return nil
}

// resolveDateRange maps StartDate/EndDate to step indices against the time
// axis published under KeyCoordinates.
func (e *Executive) resolveDateRange(md *metadata.Metadata, n int64) (int64, int64, error) {
	coords, ok := md.GetMetadata(KeyCoordinates)
	if !ok {
		return 0, 0, fmt.Errorf("executive: date range given but metadata has no %s", KeyCoordinates)
	}
	taxis, ok := coords.Get(KeyTimeAxis)
	if !ok {
		return 0, 0, fmt.Errorf("executive: date range given but coordinates have no time axis")
	}
	unitsStr, _ := coords.GetString(KeyTimeUnits)
	calStr, _ := coords.GetString(KeyTimeCalendar)
	units, err := calendar.ParseUnits(unitsStr)
	if err != nil {
		return 0, 0, fmt.Errorf("executive: %w", err)
	}
	cal, err := calendar.Parse(calStr)
	if err != nil {
		return 0, 0, fmt.Errorf("executive: %w", err)
	}

	first, last := int64(0), n-1
	if e.StartDate != "" {
		d, err := calendar.ParseDate(e.StartDate)
		if err != nil {
			return 0, 0, fmt.Errorf("executive: bad start date: %w", err)
		}
		off, err := calendar.Offset(d, units, cal)
		if err != nil {
			return 0, 0, fmt.Errorf("executive: start date: %w", err)
		}
		// First step at or after the requested date.
		i := int64(0)
		for i < n && taxis.Float64At(int(i)) < off {
			i++
		}
		first = i
	}
	if e.EndDate != "" {
		d, err := calendar.ParseDate(e.EndDate)
		if err != nil {
			return 0, 0, fmt.Errorf("executive: bad end date: %w", err)
		}
		off, err := calendar.Offset(d, units, cal)
		if err != nil {
			return 0, 0, fmt.Errorf("executive: end date: %w", err)
		}
		// Last step at or before the requested date.
		i := n - 1
		for i >= 0 && taxis.Float64At(int(i)) > off {
			i--
		}
		last = i
	}
	return first, last, nil
}

// Remaining returns the number of unserved local requests.
func (e *Executive) Remaining() int { return len(e.requests) - e.next }

// Next returns the next base request, or nil when the iteration is done or
// canceled.
func (e *Executive) Next() *metadata.Metadata {
	if e.canceled.Load() || e.next >= len(e.requests) {
		return nil
	}
	req := e.requests[e.next]
	e.next++
	return req
}

// Run reports the terminal stage's metadata, initializes the executive from
// it and drives every local request through the pipeline. Request failures
// are logged and counted; the run continues with the next request.
func (d *Driver) Run(ctx context.Context, e *Executive, terminal Algorithm, port int) error {
	md, err := d.Report(ctx, terminal, port)
	if err != nil {
		return err
	}
	if err := e.Initialize(md); err != nil {
		return err
	}
	var failed int
	for req := e.Next(); req != nil; req = e.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := d.Request(ctx, terminal, port, req); err != nil {
			failed++
			metrics.RequestsIssued.WithLabelValues("failed").Inc()
			d.logger.WithFields(logrus.Fields{
				"component": "executive",
				"error":     err.Error(),
			}).Error("Request failed, continuing with next index")
			continue
		}
		metrics.RequestsIssued.WithLabelValues("ok").Inc()
	}
	if failed > 0 {
		return fmt.Errorf("executive: %d of %d requests failed", failed, len(e.requests))
	}
	return nil
}
