package gridcalc

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/javajack/gridcalc/store"
)

// Service is the request-layer entry point: it owns the registry,
// orchestrates engine writes and store persistence for each operation,
// and guarantees that a write either lands in both or is reported failed.
type Service struct {
	store    Store
	registry *Registry
	opts     *Options
}

// NewService creates a Service over a store.
func NewService(st Store, opts ...Option) *Service {
	o := newOptions(opts...)
	return &Service{
		store:    st,
		registry: newRegistry(st, o),
		opts:     o,
	}
}

// Registry exposes the context registry for lifecycle control
// (invalidation after structural changes).
func (s *Service) Registry() *Registry { return s.registry }

// Close disposes all live computation contexts.
func (s *Service) Close() error { return s.registry.Close() }

// UpdateRequest is one cell write. Formula non-empty means a formula
// write; otherwise Value is written as a literal.
type UpdateRequest struct {
	TableID  int64
	RowID    int64
	ColumnID int64
	Value    any
	Formula  string
}

// UpdateResponse reports the evaluated state of the target cell plus
// every other cell whose persisted value changed as a side effect.
type UpdateResponse struct {
	Value       string
	Formula     string
	ErrorCode   string
	CalcVersion int64
	Affected    []AffectedCell
	Warnings    []string
}

// UpdateCell performs one cell write: map coordinates, mutate the engine,
// persist the target, propagate to dependents, audit. Validation failures
// fail closed with no partial write.
func (s *Service) UpdateCell(ctx context.Context, req UpdateRequest) (UpdateResponse, error) {
	return s.updateCell(ctx, req, false)
}

func (s *Service) updateCell(ctx context.Context, req UpdateRequest, skipRecalc bool) (UpdateResponse, error) {
	cc, err := s.registry.Context(ctx, req.TableID)
	if err != nil {
		return UpdateResponse{}, err
	}
	defer cc.Release()

	prev, err := s.store.GetCell(ctx, req.RowID, req.ColumnID)
	if err != nil {
		return UpdateResponse{}, err
	}

	var resp UpdateResponse
	var eval EvalResult
	var persistFormula string
	if req.Formula != "" {
		formula := normalizeFormula(req.Formula)
		text := formula
		if columnTokenRegex.MatchString(text) {
			// Name-addressed tokens are row-relative; translate for the
			// target row before cross-reference rewriting. A lone bracket
			// inside a string literal is not a token and stays untouched.
			translator := NewTranslator(cc, s.store)
			text, err = translator.TranslateForRow(ctx, req.TableID, text, req.RowID)
			if err != nil {
				return UpdateResponse{}, err
			}
		}
		eval, err = cc.UpdateCellWithFormula(ctx, req.TableID, req.RowID, req.ColumnID, text)
		if err != nil {
			return UpdateResponse{}, err
		}
		resp.Formula = formula
		// The store holds the positional rendition so a context reload
		// feeds the engine directly.
		persistFormula = normalizeFormula(text)
	} else {
		tc, err := cc.LoadTable(ctx, req.TableID, req.TableID == cc.PrimaryID())
		if err != nil {
			return UpdateResponse{}, err
		}
		if err := tc.SetValue(req.RowID, req.ColumnID, req.Value); err != nil {
			return UpdateResponse{}, err
		}
		eval, err = tc.Evaluate(req.RowID, req.ColumnID)
		if err != nil {
			return UpdateResponse{}, err
		}
	}

	resp.Value = eval.Value
	resp.ErrorCode = eval.ErrorCode
	resp.CalcVersion, err = s.store.SaveCellCalc(ctx, req.RowID, req.ColumnID, eval.Value, persistFormula, eval.ErrorCode)
	if err != nil {
		return UpdateResponse{}, err
	}

	if !skipRecalc {
		propagator := NewPropagator(cc, s.store)
		affected, warnings, err := propagator.AfterWrite(ctx, req.TableID, CellKey{RowID: req.RowID, ColumnID: req.ColumnID})
		if err != nil {
			return resp, err
		}
		resp.Affected = affected
		resp.Warnings = warnings
	}

	if err := s.store.AppendAudit(ctx, store.AuditEntry{
		ID:       uuid.NewString(),
		TableID:  req.TableID,
		RowID:    req.RowID,
		ColumnID: req.ColumnID,
		OldValue: prev.Value,
		NewValue: eval.Value,
	}); err != nil {
		return resp, fmt.Errorf("audit write: %w", err)
	}
	return resp, nil
}

// BulkOptions controls a bulk update.
type BulkOptions struct {
	// SkipFormulaRecalc skips dependency propagation per item; callers
	// trigger one recalculation afterwards instead.
	SkipFormulaRecalc bool
}

// BulkItemResult is the per-item outcome of a bulk update.
type BulkItemResult struct {
	Index    int
	Response UpdateResponse
	Err      string
}

// BulkResponse consolidates a bulk update: per-item results plus one
// deduplicated affected-cell list.
type BulkResponse struct {
	Items    []BulkItemResult
	Affected []AffectedCell
}

// BulkUpdate applies up to the configured maximum of cell writes.
// Oversized batches are rejected with ErrBatchTooLarge before any write
// occurs; within an accepted batch, one failing item does not abort the
// rest.
func (s *Service) BulkUpdate(ctx context.Context, reqs []UpdateRequest, opts BulkOptions) (BulkResponse, error) {
	if len(reqs) > s.opts.maxBatch {
		return BulkResponse{}, fmt.Errorf("%d operations (max %d): %w", len(reqs), s.opts.maxBatch, ErrBatchTooLarge)
	}

	var resp BulkResponse
	seen := make(map[AffectedCell]bool)
	for i, req := range reqs {
		item := BulkItemResult{Index: i}
		r, err := s.updateCell(ctx, req, opts.SkipFormulaRecalc)
		if err != nil {
			item.Err = err.Error()
		} else {
			item.Response = r
			for _, ac := range r.Affected {
				if !seen[ac] {
					seen[ac] = true
					resp.Affected = append(resp.Affected, ac)
				}
			}
		}
		resp.Items = append(resp.Items, item)
	}
	return resp, nil
}

// Recalculate triggers an explicit volatile/forced recalculation pass for
// a table.
func (s *Service) Recalculate(ctx context.Context, tableID int64, opts RecalcOptions) (RecalcSummary, error) {
	cc, err := s.registry.Context(ctx, tableID)
	if err != nil {
		return RecalcSummary{}, err
	}
	defer cc.Release()
	coordinator := newVolatileCoordinator(cc, s.store, s.opts)
	return coordinator.Recalculate(ctx, tableID, opts)
}

// RecalcColumn re-evaluates a computed column for the given rows (nil
// means all active rows).
func (s *Service) RecalcColumn(ctx context.Context, tableID, columnID int64, formulaText string, rowIDs []int64) (ColumnRecalcResult, error) {
	cc, err := s.registry.Context(ctx, tableID)
	if err != nil {
		return ColumnRecalcResult{}, err
	}
	defer cc.Release()
	return NewTranslator(cc, s.store).RecalcColumn(ctx, tableID, columnID, formulaText, rowIDs)
}

// SetRowOrder replaces a table's display order wholesale (e.g. after a
// drag-and-drop reorder) and invalidates live contexts so positional
// mappings rebuild under the new order.
func (s *Service) SetRowOrder(tableID int64, rowIDs []int64) {
	s.registry.SetRowOrder(tableID, rowIDs)
}
