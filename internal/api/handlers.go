package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/magpielab/magpie/internal/cache"
	"github.com/magpielab/magpie/internal/pipeline"
	"github.com/magpielab/magpie/internal/storage"
	"github.com/magpielab/magpie/internal/types"
)

// statusRunning is the wire name covering queued and processing reports.
// The API promises exactly three statuses: running, completed, failed.
const statusRunning types.ReportStatus = "running"

func wireStatus(s types.ReportStatus) types.ReportStatus {
	if s == types.ReportQueued || s == types.ReportProcessing {
		return statusRunning
	}
	return s
}

// searchAccepted is the 202 body of POST /search.
type searchAccepted struct {
	SearchID string             `json:"search_id"`
	Status   types.ReportStatus `json:"status"`
}

// handleCreateSearch validates the request, tries to complete it straight
// from the query cache, and otherwise enqueues the ingest job that starts
// the pipeline.
func (s *Server) handleCreateSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req types.SearchRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.writeError(w, r, types.WrapError(types.ErrValidation, "body_malformed",
			"request body is not valid JSON", err))
		return
	}
	pipeline.SanitizeRequest(&req)
	if err := pipeline.ValidateRequest(&req); err != nil {
		s.writeError(w, r, err)
		return
	}

	report := &types.Report{
		ID:                uuid.NewString(),
		Owner:             r.Header.Get("X-Owner"),
		Question:          req.Query,
		Status:            types.ReportQueued,
		PipelineVersionID: s.pipe.Version().ID,
		Request:           req,
	}
	if err := s.store.CreateReport(ctx, report); err != nil {
		s.writeError(w, r, err)
		return
	}

	if s.completeFromCache(ctx, report, &req) {
		s.writeJSON(w, http.StatusOK, types.ResponseFromReport(report))
		return
	}

	if _, err := s.queue.EnqueueStage(ctx, report.ID, types.StageIngestProvider, "", types.JobPayload{
		Request: &req,
		Trigger: types.TriggerInitial,
	}); err != nil {
		s.log.Error("enqueue ingest failed", zap.String("report_id", report.ID), zap.Error(err))
		s.writeError(w, r, types.WrapError(types.ErrExternal, "enqueue_failed",
			"failed to schedule the search", err))
		return
	}
	s.writeJSON(w, http.StatusAccepted, searchAccepted{
		SearchID: report.ID,
		Status:   statusRunning,
	})
}

// completeFromCache serves a fresh report from the query cache when an
// equivalent search (same normalized query, providers, and filters) was
// compiled within the cache window. The hit still gets its own report and
// a cache_replay run, so the audit trail shows where its numbers came
// from. Stale entries do not qualify; those queries go back through the
// pipeline.
func (s *Server) completeFromCache(ctx context.Context, report *types.Report, req *types.SearchRequest) bool {
	if s.cache == nil {
		return false
	}
	prepared := s.pipe.Prepare(ctx, req.Query)
	key := cache.QueryKey(prepared.Normalized, req.Providers(), req.Filters)

	var cached types.SearchResponse
	found, stale, err := s.cache.Get(ctx, cache.Query, key, &cached)
	if err != nil || !found || stale {
		return false
	}

	idx, err := s.store.NextRunIndex(ctx, report.ID)
	if err != nil {
		s.log.Warn("replay run index failed", zap.String("report_id", report.ID), zap.Error(err))
		return false
	}
	run := &types.ExtractionRun{
		ID:       uuid.NewString(),
		ReportID: report.ID,
		RunIndex: idx,
		Trigger:  types.TriggerCacheReplay,
		Status:   types.RunRunning,
		Engine:   "cache",
		Stats:    cached.Stats,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		s.log.Warn("replay run create failed", zap.String("report_id", report.ID), zap.Error(err))
		return false
	}

	now := time.Now().UTC()
	report.Status = types.ReportCompleted
	report.ActiveRunID = run.ID
	report.RunCount = idx
	report.Results = cached.Results
	report.PartialResults = cached.PartialResults
	report.EvidenceTable = cached.EvidenceTable
	report.Brief = cached.Brief
	report.Coverage = cached.Coverage
	report.Stats = cached.Stats
	report.ExtractionStats = cached.ExtractionStats
	report.SourceCounts = cached.SourceCounts
	report.NormalizedQuery = cached.NormalizedQuery
	report.CompletedAt = &now

	if err := s.store.PersistCompiledReport(ctx, report, run); err != nil {
		s.log.Warn("replay persist failed", zap.String("report_id", report.ID), zap.Error(err))
		return false
	}
	s.log.Info("search served from query cache",
		zap.String("report_id", report.ID),
		zap.String("run_id", run.ID),
		zap.Int("results", len(report.Results)))
	return true
}

// handleGetSearch returns the full report document.
func (s *Server) handleGetSearch(w http.ResponseWriter, r *http.Request) {
	report, ok := s.loadSearch(w, r)
	if !ok {
		return
	}
	resp := types.ResponseFromReport(report)
	resp.Status = wireStatus(resp.Status)
	s.writeJSON(w, http.StatusOK, resp)
}

// searchSummary is the list-item projection of a report.
type searchSummary struct {
	SearchID    string             `json:"search_id"`
	Status      types.ReportStatus `json:"status"`
	Question    string             `json:"question"`
	Owner       string             `json:"owner,omitempty"`
	RunCount    int                `json:"run_count"`
	Results     int                `json:"results"`
	Partial     int                `json:"partial_results"`
	Degraded    bool               `json:"degraded,omitempty"`
	Error       string             `json:"error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

type searchList struct {
	Searches []searchSummary `json:"searches"`
	Count    int             `json:"count"`
}

// handleListSearches lists reports, newest first. Query params: status
// (running|completed|failed, or a raw internal state for operators),
// owner, before (RFC 3339), limit.
func (s *Server) handleListSearches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := storage.ReportFilter{Owner: q.Get("owner"), Limit: defaultListLim}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLim {
			s.writeError(w, r, types.NewError(types.ErrValidation, "limit_out_of_range",
				"limit must be between 1 and "+strconv.Itoa(maxListLim)))
			return
		}
		f.Limit = n
	}
	if v := q.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, types.NewError(types.ErrValidation, "before_malformed",
				"before must be an RFC 3339 timestamp"))
			return
		}
		f.Before = t
	}

	var runningOnly bool
	switch status := q.Get("status"); types.ReportStatus(status) {
	case "", "all":
	case statusRunning:
		runningOnly = true
	case types.ReportCompleted, types.ReportFailed, types.ReportQueued, types.ReportProcessing:
		f.Status = types.ReportStatus(status)
	default:
		s.writeError(w, r, types.NewError(types.ErrValidation, "status_unknown",
			"status must be running, completed, or failed"))
		return
	}

	reports, err := s.store.ListReports(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := searchList{Searches: make([]searchSummary, 0, len(reports))}
	for _, rep := range reports {
		if runningOnly && rep.Status.Terminal() {
			continue
		}
		sum := searchSummary{
			SearchID:    rep.ID,
			Status:      wireStatus(rep.Status),
			Question:    rep.Question,
			Owner:       rep.Owner,
			RunCount:    rep.RunCount,
			Results:     len(rep.Results),
			Partial:     len(rep.PartialResults),
			Error:       rep.LastError,
			CreatedAt:   rep.CreatedAt,
			CompletedAt: rep.CompletedAt,
		}
		if rep.Coverage != nil {
			sum.Degraded = rep.Coverage.Degraded
		}
		out.Searches = append(out.Searches, sum)
	}
	out.Count = len(out.Searches)
	s.writeJSON(w, http.StatusOK, out)
}

type runList struct {
	SearchID string             `json:"search_id"`
	Runs     []types.RunSummary `json:"runs"`
}

// handleListRuns lists every extraction run of one report.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	report, ok := s.loadSearch(w, r)
	if !ok {
		return
	}
	runs, err := s.store.ListRuns(r.Context(), report.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := runList{SearchID: report.ID, Runs: make([]types.RunSummary, 0, len(runs))}
	for _, run := range runs {
		out.Runs = append(out.Runs, run.Summary())
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleGetRun renders one run as the table view: column schema plus one
// row per extracted study from that run's compiled document.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	report, ok := s.loadSearch(w, r)
	if !ok {
		return
	}
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeNotFound(w, "run")
			return
		}
		s.writeError(w, r, err)
		return
	}
	if run.ReportID != report.ID {
		s.writeNotFound(w, "run")
		return
	}
	s.writeJSON(w, http.StatusOK, s.buildRunDetail(r.Context(), report, run))
}

// buildRunDetail assembles the run's rows from its compiled document. A
// cache_replay run has no document of its own; while active, the report's
// denormalized results are exactly its view.
func (s *Server) buildRunDetail(ctx context.Context, report *types.Report, run *types.ExtractionRun) *types.RunDetail {
	detail := &types.RunDetail{Run: *run, Columns: runColumns(), Rows: []types.RunRow{}}

	var results, partial []types.StudyResult
	switch {
	case run.InputHash != "":
		out, err := s.store.GetStageOutput(ctx, report.ID, types.StageCompileReport, run.InputHash)
		if err != nil {
			s.log.Debug("run document unavailable",
				zap.String("run_id", run.ID), zap.Error(err))
			break
		}
		var doc pipeline.CompileOutput
		if err := json.Unmarshal(out.Payload, &doc); err != nil {
			s.log.Warn("run document decode failed",
				zap.String("run_id", run.ID), zap.Error(err))
			break
		}
		results, partial = doc.Results, doc.PartialResults
	case run.IsActive:
		results, partial = report.Results, report.PartialResults
	}

	for _, sr := range results {
		detail.Rows = append(detail.Rows, runRow(sr, types.TierStrict))
	}
	for _, sr := range partial {
		detail.Rows = append(detail.Rows, runRow(sr, types.TierPartial))
	}
	return detail
}

func runColumns() []types.RunColumn {
	return []types.RunColumn{
		{Key: "title", Label: "Title", Kind: "text"},
		{Key: "year", Label: "Year", Kind: "number"},
		{Key: "design", Label: "Design", Kind: "text"},
		{Key: "sample_size", Label: "N", Kind: "number"},
		{Key: "population", Label: "Population", Kind: "text"},
		{Key: "outcomes", Label: "Outcomes", Kind: "list"},
		{Key: "effect", Label: "Effect", Kind: "text"},
		{Key: "citation", Label: "Citation", Kind: "text"},
		{Key: "source", Label: "Source", Kind: "text"},
		{Key: "tier", Label: "Tier", Kind: "text"},
	}
}

func runRow(sr types.StudyResult, tier types.CompletenessTier) types.RunRow {
	cells := map[string]string{
		"title":  sr.Title,
		"year":   strconv.Itoa(sr.Year),
		"design": string(sr.StudyDesign),
		"source": sr.Source,
		"tier":   string(tier),
	}
	if sr.SampleSize != nil {
		cells["sample_size"] = strconv.Itoa(*sr.SampleSize)
	}
	if sr.Population != nil {
		cells["population"] = *sr.Population
	}
	if len(sr.Outcomes) > 0 {
		names := make([]string, 0, len(sr.Outcomes))
		for _, o := range sr.Outcomes {
			names = append(names, o.OutcomeMeasured)
		}
		cells["outcomes"] = strings.Join(names, "; ")
		if effect := sr.Outcomes[0].EffectSize; effect != "" {
			cells["effect"] = effect
		}
	}
	if sr.Citation.Formatted != "" {
		cells["citation"] = sr.Citation.Formatted
	}
	return types.RunRow{StudyID: sr.StudyID, Cells: cells}
}

// handleGetPaper returns one canonical paper from the cache layer.
func (s *Server) handleGetPaper(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, r, types.NewError(types.ErrInternal, "cache_unconfigured",
			"paper lookup requires the canonical record cache"))
		return
	}
	paper, found, err := s.cache.GetCanonicalByPaperID(r.Context(), chi.URLParam(r, "paperID"))
	if err != nil {
		s.writeError(w, r, types.WrapError(types.ErrExternal, "cache_read",
			"canonical record cache read failed", err))
		return
	}
	if !found {
		s.writeNotFound(w, "paper")
		return
	}
	s.writeJSON(w, http.StatusOK, paper)
}

// drainRequest is the optional body of POST /jobs/drain.
type drainRequest struct {
	BatchSize int `json:"batch_size,omitempty"`
}

// handleDrain runs one synchronous drain pass. It authenticates with the
// deployment's worker token; a deployment configured without one keeps
// the endpoint closed.
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if s.token == "" || r.Header.Get("X-Worker-Token") != s.token {
		s.writeUnauthorized(w)
		return
	}
	if s.drainer == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorBody{
			Error: "no worker attached to this deployment",
			Code:  "drain_unavailable",
		})
		return
	}

	var req drainRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			s.writeError(w, r, types.WrapError(types.ErrValidation, "body_malformed",
				"request body is not valid JSON", err))
			return
		}
	}

	res, err := s.drainer.DrainOnce(r.Context(), req.BatchSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleHealthz is the liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"pipeline_version": s.pipe.Version().ID,
		"uptime_seconds":   int64(time.Since(s.started).Seconds()),
	})
}

// handleReadyz is the readiness probe: the store must answer.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if _, err := s.store.Stats(ctx); err != nil {
		s.log.Warn("readiness probe failed", zap.Error(err))
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// loadSearch fetches the report named in the URL, writing the 404 itself.
func (s *Server) loadSearch(w http.ResponseWriter, r *http.Request) (*types.Report, bool) {
	report, err := s.store.GetReport(r.Context(), chi.URLParam(r, "searchID"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeNotFound(w, "search")
			return nil, false
		}
		s.writeError(w, r, err)
		return nil, false
	}
	return report, true
}
