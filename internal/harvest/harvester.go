package harvest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"snapr-harvest/internal/checkpoint"
	"snapr-harvest/internal/components/chrono"
	"snapr-harvest/internal/components/telemetry"
	"snapr-harvest/internal/sink"
	"snapr-harvest/internal/tokens"
	"snapr-harvest/lib/acn"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("snapr/harvest")
var meter = otel.Meter("snapr/harvest")

const (
	report_harvester_run       = "harvester.run"
	report_harvester_resume    = "harvester.resume"
	report_harvester_refresh   = "harvester.refresh"
	report_harvester_flush     = "harvester.flush"
	report_harvester_processed = "harvester.processed"
)

var (
	ErrInterrupted = errors.New("harvest: interrupted")
	ErrCredential  = errors.New("harvest: could not obtain a credential")
)

type State int

const (
	StateInit State = iota
	StateFetching
	StateRefreshingToken
	StateDone
	StateInterrupted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateFetching:
		return "FETCHING"
	case StateRefreshingToken:
		return "REFRESHING_TOKEN"
	case StateDone:
		return "DONE"
	case StateInterrupted:
		return "INTERRUPTED"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Fetcher interface {
	Fetch(ctx context.Context, id acn.ID, token string) (Outcome, error)
}

type TokenSource interface {
	Obtain(ctx context.Context) (tokens.Credential, error)
}

type Checkpointer interface {
	Save(currentAcn, outputPath string, count int)
	Load() (checkpoint.Checkpoint, bool)
}

type Settings struct {
	// FlushEvery is how many records are processed between checkpoints.
	FlushEvery int
	DelayMin   time.Duration
	DelayMax   time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		FlushEvery: 10,
		DelayMin:   time.Millisecond * 100,
		DelayMax:   time.Millisecond * 700,
	}
}

type Options struct {
	Start      acn.ID
	OutputPath string
	// Token skips obtaining a credential for the first request when set.
	Token string
	// Limit is the maximum cumulative count (resumed records included), 0 means no limit.
	Limit  int
	Resume bool
}

type Result struct {
	// Count is the cumulative amount of processed records, resumed ones included.
	Count int
	// Final is the first identifier that was not processed: the one that was not
	// found, or where a limit or interruption stopped the walk (and a resume
	// continues). When Exhausted is set there is no such identifier and Final is
	// the last one processed, the lowest the prefix has.
	Final     acn.ID
	Exhausted bool
	State     State
	// Records is the amount of records written by this run.
	Records int
	Output  string
}

// Completed is true when the run ended normally, by exhausting the identifier space or
// hitting the limit.
func (r Result) Completed() bool {
	return r.State == StateDone
}

type Harvester struct {
	fetcher     Fetcher
	tokens      TokenSource
	checkpoints Checkpointer
	sink        sink.Sink
	clock       chrono.API
	settings    Settings
	tel         telemetry.API

	recordCounter metric.Int64Counter
}

func NewHarvester(
	fetcher Fetcher,
	tokenSource TokenSource,
	checkpoints Checkpointer,
	out sink.Sink,
	clock chrono.API,
	settings Settings,
	tel telemetry.API,
) (*Harvester, error) {
	if settings.FlushEvery <= 0 {
		settings.FlushEvery = DefaultSettings().FlushEvery
	}
	if settings.DelayMax < settings.DelayMin {
		settings.DelayMax = settings.DelayMin
	}

	recordCounter, err := meter.Int64Counter(
		"snapr_records_total",
		metric.WithDescription("The total amount of records (and error stubs) collected."),
	)
	if err != nil {
		return nil, err
	}

	return &Harvester{
		fetcher:       fetcher,
		tokens:        tokenSource,
		checkpoints:   checkpoints,
		sink:          out,
		clock:         clock,
		settings:      settings,
		tel:           telemetry.NewScopedAPI("harvest", tel),
		recordCounter: recordCounter,
	}, nil
}

func (h *Harvester) jitter() time.Duration {
	spread := h.settings.DelayMax - h.settings.DelayMin
	if spread <= 0 {
		return h.settings.DelayMin
	}
	return h.settings.DelayMin + time.Duration(rand.Int63n(int64(spread)+1))
}

// run is the mutable state of a single harvest.
type run struct {
	state   State
	current acn.ID
	output  string
	count   int
	records []sink.Record
	// the identifier space ran out, current has already been processed
	exhausted bool
}

func (r *run) checkpoint(h *Harvester) {
	h.checkpoints.Save(r.current.String(), r.output, r.count)
}

func withCsvSuffix(path string) string {
	if strings.HasSuffix(path, ".csv") {
		return path
	}
	return path + ".csv"
}

// Run walks the identifier space downwards from opts.Start (or the checkpoint when
// resuming) until the remote answers not found, the limit is reached or ctx is done.
//
// Whatever happens, the records collected by this run are handed to the sink exactly
// once before Run returns.
func (h *Harvester) Run(ctx context.Context, opts Options) (result Result, err error) {
	ctx, span := tracer.Start(ctx, "harvest.run")
	defer span.End()

	r := &run{
		state:   StateInit,
		current: opts.Start,
		output:  opts.OutputPath,
	}
	if opts.Resume {
		h.resume(r)
	}
	r.output = withCsvSuffix(r.output)

	h.tel.ReportInfo(
		"starting query",
		"acn", r.current.String(),
		"output", r.output,
		"count", r.count,
	)
	span.SetAttributes(
		attribute.String("harvest.start", r.current.String()),
		attribute.String("harvest.output", r.output),
	)

	defer func() {
		if recovered := recover(); recovered != nil {
			r.state = StateFailed
			err = fmt.Errorf("harvest: panic at %s: %v", r.current, recovered)
			h.tel.ReportBroken(report_harvester_run, err)
			r.checkpoint(h)
		}

		// the sink must run even when ctx was cancelled
		flushErr := h.sink.Append(context.WithoutCancel(ctx), r.records, r.output)
		if flushErr != nil {
			h.tel.ReportBroken(report_harvester_flush, flushErr, r.output)
			err = errors.Join(err, flushErr)
		}

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, r.state.String())
		}
		span.SetAttributes(
			attribute.Int("harvest.count", r.count),
			attribute.String("harvest.state", r.state.String()),
		)
		h.tel.ReportInfo(
			"query complete",
			"state", r.state.String(),
			"count", r.count,
			"records", len(r.records),
		)

		result = Result{
			Count:     r.count,
			Final:     r.current,
			Exhausted: r.exhausted,
			State:     r.state,
			Records:   len(r.records),
			Output:    r.output,
		}
	}()

	err = h.walk(ctx, r, opts)
	return result, err
}

func (h *Harvester) resume(r *run) {
	cp, ok := h.checkpoints.Load()
	if !ok {
		h.tel.ReportWarning(report_harvester_resume, "no save point found, starting fresh")
		return
	}
	id, err := acn.Parse(cp.CurrentACN)
	if err != nil {
		h.tel.ReportWarning(report_harvester_resume, fmt.Errorf("save point has an invalid acn, starting fresh: %w", err))
		return
	}
	r.current = id
	r.count = cp.Count
	if cp.OutputPath != "" {
		r.output = cp.OutputPath
	}
	h.tel.ReportInfo("resuming from save point", "acn", cp.CurrentACN, "count", cp.Count)
}

func (h *Harvester) interrupted(ctx context.Context, r *run, err error) error {
	r.state = StateInterrupted
	h.tel.ReportInfo("query interrupted", "acn", r.current.String(), "count", r.count)
	r.checkpoint(h)
	if cause := context.Cause(ctx); cause != nil {
		err = cause
	}
	return fmt.Errorf("%w at %s: %w", ErrInterrupted, r.current, err)
}

func (h *Harvester) obtain(ctx context.Context, r *run) (string, error) {
	cred, err := h.tokens.Obtain(ctx)
	if err == nil {
		return cred.AccessToken, nil
	}
	if ctx.Err() != nil {
		return "", h.interrupted(ctx, r, err)
	}
	r.state = StateFailed
	h.tel.ReportBroken(report_harvester_refresh, err)
	r.checkpoint(h)
	return "", fmt.Errorf("%w: %w", ErrCredential, err)
}

func (h *Harvester) walk(ctx context.Context, r *run, opts Options) error {
	token := opts.Token
	if token == "" {
		h.tel.ReportInfo("no token provided, obtaining one with the stored template")
		var err error
		token, err = h.obtain(ctx, r)
		if err != nil {
			return err
		}
	}

	r.state = StateFetching
	for {
		if opts.Limit > 0 && r.count >= opts.Limit {
			h.tel.ReportInfo("reached limit", "limit", opts.Limit)
			r.state = StateDone
			return nil
		}

		err := h.clock.Sleep(ctx, h.jitter())
		if err != nil {
			return h.interrupted(ctx, r, err)
		}
		outcome, err := h.fetcher.Fetch(ctx, r.current, token)
		if err != nil {
			return h.interrupted(ctx, r, err)
		}

		if outcome.Kind == OutcomeUnauthorized {
			r.state = StateRefreshingToken
			h.tel.ReportWarning(report_harvester_refresh, "token expired, attempting to refresh", r.current.String())
			token, err = h.obtain(ctx, r)
			if err != nil {
				return err
			}
			r.state = StateFetching

			outcome, err = h.fetcher.Fetch(ctx, r.current, token)
			if err != nil {
				return h.interrupted(ctx, r, err)
			}
			if outcome.Kind == OutcomeUnauthorized {
				outcome = stubOutcome(r.current, outcome.Status, "status 401: unauthorized after token refresh")
			}
		}

		if outcome.Kind == OutcomeNotFound {
			h.tel.ReportInfo("no more data found", "acn", r.current.String())
			r.state = StateDone
			return nil
		}

		r.records = append(r.records, outcome.Record)
		r.count++
		h.recordCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", outcome.Kind.String()),
		))

		next, err := r.current.Decrement()
		if errors.Is(err, acn.ErrExhausted) {
			h.tel.ReportInfo("identifier space exhausted", "acn", r.current.String())
			r.exhausted = true
			r.state = StateDone
			return nil
		}
		if err != nil {
			return err
		}
		r.current = next

		if r.count%h.settings.FlushEvery == 0 {
			h.tel.ReportCount(report_harvester_processed, int64(r.count))
			r.checkpoint(h)
		}
	}
}
