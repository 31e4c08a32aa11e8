package gridcalc

import (
	"time"

	"github.com/javajack/gridcalc/engine"
)

// RowOrderPolicy controls how a cell maps to a row position when its row
// is absent from the supplied row order.
type RowOrderPolicy int

const (
	// RowOrderStrict fails the mapping with ErrRowOrderUnset. Safe
	// default: a cell is never silently misaddressed.
	RowOrderStrict RowOrderPolicy = iota

	// RowOrderLegacy treats the numeric row id itself as the row
	// position. Degraded-compatibility mode kept for data written by the
	// original system; positional meaning shifts if ids are sparse.
	RowOrderLegacy
)

// Options holds configuration shared by the registry, contexts and the
// service layer.
type Options struct {
	rowOrderPolicy RowOrderPolicy
	maxCells       int
	maxBatch       int
	budget         time.Duration
	volatileFns    []string
	engineFactory  func() engine.Engine
}

func defaultOptions() *Options {
	return &Options{
		rowOrderPolicy: RowOrderStrict,
		maxCells:       10000,
		maxBatch:       200,
		budget:         30 * time.Second,
		volatileFns:    []string{"NOW", "TODAY", "RAND", "RANDBETWEEN"},
		engineFactory:  func() engine.Engine { return engine.New() },
	}
}

func newOptions(opts ...Option) *Options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures the coordination layer.
type Option func(*Options)

// WithRowOrderPolicy sets the row-order fallback policy (default: strict).
func WithRowOrderPolicy(p RowOrderPolicy) Option {
	return func(o *Options) { o.rowOrderPolicy = p }
}

// WithMaxCells caps how many cells a re-scan or bulk recalculation may
// touch (default: 10000).
func WithMaxCells(n int) Option {
	return func(o *Options) { o.maxCells = n }
}

// WithMaxBatchSize caps the size of one bulk update request (default: 200).
func WithMaxBatchSize(n int) Option {
	return func(o *Options) { o.maxBatch = n }
}

// WithWallClockBudget bounds the wall-clock time of re-scan and
// recalculation loops. Exceeding the budget stops further processing
// without failing already-processed work (default: 30s).
func WithWallClockBudget(d time.Duration) Option {
	return func(o *Options) { o.budget = d }
}

// WithVolatileFunctions replaces the set of function names treated as
// volatile (default: NOW, TODAY, RAND, RANDBETWEEN).
func WithVolatileFunctions(names []string) Option {
	return func(o *Options) { o.volatileFns = names }
}

// WithEngineFactory sets the factory used to create one computation
// engine per cross-table context (default: engine.New).
func WithEngineFactory(f func() engine.Engine) Option {
	return func(o *Options) { o.engineFactory = f }
}
