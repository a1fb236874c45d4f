package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"tally/internal/aggregate"
	"tally/internal/core"
	"tally/internal/engine"
	applog "tally/internal/log"
	"tally/internal/report"
	"tally/internal/taxonomy"
)

type errorResponse struct {
	Error string `json:"error"`
}

type transactionResponse struct {
	ID          string  `json:"id"`
	PostedAt    string  `json:"posted_at"`
	Amount      string  `json:"amount"`
	Description string  `json:"description"`
	Source      string  `json:"source"`
	Category    string  `json:"category,omitempty"`
	Method      string  `json:"method"`
	Confidence  float64 `json:"confidence,omitempty"`
	State       string  `json:"state,omitempty"`
	RuleID      string  `json:"matched_rule,omitempty"`
	TaxonomyVer int64   `json:"taxonomy_version,omitempty"`
}

func transactionJSON(tx core.Transaction, state engine.State, ruleID core.RuleID) transactionResponse {
	return transactionResponse{
		ID:          tx.ID,
		PostedAt:    tx.PostedAt.UTC().Format("2006-01-02"),
		Amount:      tx.Amount.String(),
		Description: tx.Description,
		Source:      tx.Source,
		Category:    string(tx.Category),
		Method:      string(tx.Method),
		Confidence:  tx.Confidence,
		State:       string(state),
		RuleID:      string(ruleID),
		TaxonomyVer: tx.TaxonomyVer,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

type createTransactionRequest struct {
	PostedAt    string `json:"posted_at"` // YYYY-MM-DD
	Amount      string `json:"amount"`    // decimal, e.g. "-42.00"
	Description string `json:"description"`
	Source      string `json:"source,omitempty"` // defaults to manual entry
}

func (r createTransactionRequest) transaction() (core.Transaction, error) {
	posted, err := time.Parse("2006-01-02", r.PostedAt)
	if err != nil {
		return core.Transaction{}, core.ErrZeroDate
	}
	cents, err := core.ParseDecimalToCents(r.Amount)
	if err != nil {
		return core.Transaction{}, err
	}
	source := r.Source
	if source == "" {
		source = core.SourceManual
	}
	return core.Transaction{
		PostedAt:    posted,
		Amount:      core.Money{Cents: cents},
		Description: r.Description,
		Source:      source,
	}, nil
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tx, err := req.transaction()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	outcome, err := s.engine.CategorizeNew(r.Context(), tx, s.tax.Snapshot())
	if err != nil {
		slog.ErrorContext(r.Context(), "Create transaction failed", "error", err, "description", tx.Description)
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrInvalidAmount) || errors.Is(err, core.ErrEmptyDescription) ||
			errors.Is(err, core.ErrEmptySource) || errors.Is(err, core.ErrZeroDate) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err.Error())
		return
	}

	s.reportCache.Clear()
	writeJSON(w, http.StatusCreated, transactionJSON(outcome.Transaction, outcome.State, outcome.RuleID))
}

type importRequest struct {
	Source       string                     `json:"source"`
	Transactions []createTransactionRequest `json:"transactions"`
}

type importResponse struct {
	Imported      int      `json:"imported"`
	Duplicates    int      `json:"duplicates"`
	Unresolved    int      `json:"unresolved"`
	Failed        int      `json:"failed"`
	FailedIDs     []string `json:"failed_ids,omitempty"`
	UnresolvedIDs []string `json:"unresolved_ids,omitempty"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Source == "" {
		writeError(w, http.StatusUnprocessableEntity, "import source is required")
		return
	}
	if len(req.Transactions) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "no transactions to import")
		return
	}

	candidates := make([]core.Transaction, 0, len(req.Transactions))
	for _, c := range req.Transactions {
		tx, err := c.transaction()
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		tx.Source = req.Source
		candidates = append(candidates, tx)
	}

	summary, err := s.importer.Import(r.Context(), candidates, s.tax.Snapshot())
	if err != nil {
		slog.ErrorContext(r.Context(), "Import failed", "error", err, "source", req.Source)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.reportCache.Clear()
	writeJSON(w, http.StatusOK, importResponse{
		Imported:      summary.Imported,
		Duplicates:    summary.Duplicates,
		Unresolved:    summary.Unresolved,
		Failed:        summary.Failed,
		FailedIDs:     summary.FailedIDs,
		UnresolvedIDs: summary.UnresolvedIDs,
	})
}

type overrideRequest struct {
	Category string `json:"category"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Category == "" {
		writeError(w, http.StatusUnprocessableEntity, "category is required")
		return
	}

	outcome, err := s.engine.Override(r.Context(), id, core.CategoryID(req.Category), s.tax.Snapshot())
	if err != nil {
		s.writeEngineError(w, r, "Override failed", err, id)
		return
	}

	s.reportCache.Clear()
	writeJSON(w, http.StatusOK, transactionJSON(outcome.Transaction, outcome.State, outcome.RuleID))
}

func (s *Server) handleTombstone(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.engine.Tombstone(r.Context(), id); err != nil {
		s.writeEngineError(w, r, "Tombstone failed", err, id)
		return
	}

	s.reportCache.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnresolved(w http.ResponseWriter, r *http.Request) {
	txs, err := s.unresolved.ListUnresolved(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "List unresolved failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, transactionJSON(tx, engine.StateUnresolved, ""))
	}
	writeJSON(w, http.StatusOK, out)
}

type recategorizeRequest struct {
	IncludeOverrides bool `json:"include_overrides"`
}

type recategorizeResponse struct {
	Processed int `json:"processed"`
	Changed   int `json:"changed"`
}

func (s *Server) handleRecategorize(w http.ResponseWriter, r *http.Request) {
	var req recategorizeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	outcomes, err := s.engine.RecategorizeAll(r.Context(), s.tax.Snapshot(), req.IncludeOverrides)
	if err != nil {
		slog.ErrorContext(r.Context(), "Recategorize failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	changed := 0
	for _, o := range outcomes {
		if o.State != engine.StateUnresolved {
			changed++
		}
	}

	s.reportCache.Clear()
	writeJSON(w, http.StatusOK, recategorizeResponse{Processed: len(outcomes), Changed: changed})
}

type reportRow struct {
	GroupKey   string  `json:"group_key"`
	Total      string  `json:"total"`
	TotalCents int64   `json:"total_cents"`
	Count      int64   `json:"count"`
	Percentage float64 `json:"percentage"`
}

type reportResponse struct {
	From        string      `json:"from"`
	To          string      `json:"to"`
	GroupBy     string      `json:"group_by"`
	Granularity string      `json:"granularity"`
	Rows        []reportRow `json:"rows"`
	Total       string      `json:"total"`
	TotalCents  int64       `json:"total_cents"`
	Count       int64       `json:"count"`
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	req, err := parseReportRequest(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	key := r.URL.RawQuery
	payload, cached := s.reportCache.Get(key)
	if !cached {
		payload, err = s.reports.Build(req)
		if err != nil {
			if errors.Is(err, report.ErrEmptyRange) {
				writeError(w, http.StatusUnprocessableEntity, err.Error())
				return
			}
			slog.ErrorContext(r.Context(), "Report build failed", "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.reportCache.Set(key, payload)
	} else {
		slog.DebugContext(r.Context(), "Report cache hit", "key", key)
	}

	resp := reportResponse{
		From:        payload.Request.Range.From.Format("2006-01-02"),
		To:          payload.Request.Range.To.Format("2006-01-02"),
		GroupBy:     string(payload.Request.GroupBy),
		Granularity: string(payload.Request.Granularity),
		Rows:        make([]reportRow, 0, len(payload.Rows)),
		Total:       core.Money{Cents: payload.TotalCents}.String(),
		TotalCents:  payload.TotalCents,
		Count:       payload.Count,
	}
	for _, row := range payload.Rows {
		resp.Rows = append(resp.Rows, reportRow{
			GroupKey:   row.GroupKey,
			Total:      core.Money{Cents: row.TotalCents}.String(),
			TotalCents: row.TotalCents,
			Count:      row.Count,
			Percentage: row.Percentage,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExportReport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		writeError(w, http.StatusServiceUnavailable, "no export destination configured")
		return
	}

	req, err := parseReportRequest(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	payload, err := s.reports.Build(req)
	if err != nil {
		if errors.Is(err, report.ErrEmptyRange) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ref, err := s.exporter.Export(r.Context(), payload)
	if err != nil {
		s.structLog.LogError(r.Context(), "Report export failed", err,
			applog.ComponentExport, applog.OpExport, applog.NewFields())
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"exported": ref, "rows": len(payload.Rows)})
}

type ruleRequest struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Pattern  string `json:"pattern"`
	IsRegex  bool   `json:"is_regex"`
	MinCents *int64 `json:"min_cents,omitempty"`
	MaxCents *int64 `json:"max_cents,omitempty"`
	Source   string `json:"source,omitempty"`
	Priority int    `json:"priority"`
}

type ruleResponse struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Pattern  string `json:"pattern"`
	IsRegex  bool   `json:"is_regex"`
	MinCents *int64 `json:"min_cents,omitempty"`
	MaxCents *int64 `json:"max_cents,omitempty"`
	Source   string `json:"source,omitempty"`
	Priority int    `json:"priority"`
}

type taxonomyResponse struct {
	Version int64          `json:"version"`
	Rules   []ruleResponse `json:"rules"`
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	snap := s.tax.Snapshot()
	resp := taxonomyResponse{Version: snap.Version, Rules: make([]ruleResponse, 0, len(snap.Rules))}
	for _, rule := range snap.Rules {
		resp.Rules = append(resp.Rules, ruleResponse{
			ID:       string(rule.ID),
			Category: string(rule.Category),
			Pattern:  rule.Predicate.Pattern,
			IsRegex:  rule.Predicate.IsRegex,
			MinCents: rule.Predicate.MinCents,
			MaxCents: rule.Predicate.MaxCents,
			Source:   rule.Predicate.Source,
			Priority: rule.Priority,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rule := taxonomy.Rule{
		ID:       core.RuleID(req.ID),
		Category: core.CategoryID(req.Category),
		Predicate: taxonomy.Predicate{
			Pattern:  req.Pattern,
			IsRegex:  req.IsRegex,
			MinCents: req.MinCents,
			MaxCents: req.MaxCents,
			Source:   req.Source,
		},
		Priority: req.Priority,
		Active:   true,
	}
	if err := s.tax.AddRule(rule); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.persistTaxonomy(r)
	writeJSON(w, http.StatusCreated, map[string]any{"id": req.ID, "taxonomy_version": s.tax.Version()})
}

func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	id := core.RuleID(r.PathValue("id"))
	if err := s.tax.RemoveRule(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	s.persistTaxonomy(r)
	w.WriteHeader(http.StatusNoContent)
}

type categoryRequest struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Parent string `json:"parent,omitempty"`
}

func (s *Server) handleAddCategory(w http.ResponseWriter, r *http.Request) {
	var req categoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.tax.AddCategory(core.CategoryID(req.ID), req.Name, core.CategoryID(req.Parent)); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.persistTaxonomy(r)
	writeJSON(w, http.StatusCreated, map[string]any{"id": req.ID, "taxonomy_version": s.tax.Version()})
}

type setParentRequest struct {
	Parent string `json:"parent"`
}

func (s *Server) handleSetCategoryParent(w http.ResponseWriter, r *http.Request) {
	var req setParentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := core.CategoryID(r.PathValue("id"))
	if err := s.tax.SetParent(id, core.CategoryID(req.Parent)); err != nil {
		if errors.Is(err, taxonomy.ErrUnknownCategory) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.persistTaxonomy(r)
	writeJSON(w, http.StatusOK, map[string]any{"id": string(id), "taxonomy_version": s.tax.Version()})
}

func (s *Server) handleDeactivateCategory(w http.ResponseWriter, r *http.Request) {
	id := core.CategoryID(r.PathValue("id"))
	if err := s.tax.DeactivateCategory(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	s.persistTaxonomy(r)
	writeJSON(w, http.StatusOK, map[string]any{"id": string(id), "taxonomy_version": s.tax.Version()})
}

// persistTaxonomy saves the current snapshot. The in-memory taxonomy is
// authoritative; a persistence failure is logged, not surfaced.
func (s *Server) persistTaxonomy(r *http.Request) {
	if s.taxStore == nil {
		return
	}
	if err := s.taxStore.SaveTaxonomy(r.Context(), s.tax.Snapshot()); err != nil {
		applog.FromContext(r.Context()).ErrorContext(r.Context(), "Failed to persist taxonomy",
			applog.FieldError, err.Error(),
			applog.FieldOperation, applog.OpUpdate)
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, msg string, err error, id string) {
	slog.ErrorContext(r.Context(), msg, "error", err, applog.FieldTransactionID, id)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrTombstoned):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, taxonomy.ErrUnknownCategory):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func parseReportRequest(r *http.Request) (report.Request, error) {
	q := r.URL.Query()

	from, err := time.Parse("2006-01-02", q.Get("from"))
	if err != nil {
		return report.Request{}, errors.New("invalid or missing 'from' date, expected YYYY-MM-DD")
	}
	to, err := time.Parse("2006-01-02", q.Get("to"))
	if err != nil {
		return report.Request{}, errors.New("invalid or missing 'to' date, expected YYYY-MM-DD")
	}

	groupBy := report.GroupBy(q.Get("group_by"))
	switch groupBy {
	case "":
		groupBy = report.ByCategory
	case report.ByCategory, report.ByVendor, report.ByBucket:
	default:
		return report.Request{}, errors.New("invalid 'group_by', expected category, vendor or bucket")
	}

	granularity := aggregateGranularity(q.Get("granularity"))
	if granularity == "" {
		return report.Request{}, errors.New("invalid 'granularity', expected daily, monthly or yearly")
	}

	return report.Request{
		Range:       report.Range{From: from, To: to},
		GroupBy:     groupBy,
		Granularity: granularity,
	}, nil
}

func aggregateGranularity(s string) aggregate.Granularity {
	switch aggregate.Granularity(s) {
	case aggregate.Daily, aggregate.Monthly, aggregate.Yearly:
		return aggregate.Granularity(s)
	case "":
		return aggregate.Monthly
	}
	return ""
}
