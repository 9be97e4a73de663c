package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/magpielab/magpie/internal/types"
)

const (
	defaultParseTimeout = 12 * time.Second
	minParseTimeout     = 1 * time.Second
	maxParseTimeout     = 60 * time.Second
	defaultPDFBatch     = 8
	pdfRequestGrace     = 15 * time.Second
	maxPDFBodyBytes     = 4 << 20
)

// PDFClient calls an external full-text extraction service. The
// service downloads and parses each PDF server side and runs the same
// rule families over the body text; the client only ships identities
// and URLs. A single attempt per batch: on any failure the caller
// falls back to abstract extraction, so retrying here buys nothing.
type PDFClient struct {
	Endpoint     string
	Client       *http.Client
	ParseTimeout time.Duration
	BatchSize    int
	Log          *zap.Logger
}

// NewPDFClient builds a client for the given endpoint URL.
func NewPDFClient(endpoint string, log *zap.Logger) *PDFClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &PDFClient{
		Endpoint:     endpoint,
		Client:       &http.Client{Timeout: maxParseTimeout + pdfRequestGrace},
		ParseTimeout: defaultParseTimeout,
		BatchSize:    defaultPDFBatch,
		Log:          log,
	}
}

type pdfStudyRequest struct {
	StudyID        string `json:"study_id"`
	Title          string `json:"title"`
	Abstract       string `json:"abstract,omitempty"`
	PDFURL         string `json:"pdf_url,omitempty"`
	LandingPageURL string `json:"landing_page_url,omitempty"`
	TimeoutMS      int    `json:"timeout_ms"`
}

type pdfRequest struct {
	Studies []pdfStudyRequest `json:"studies"`
}

type pdfDiagnostics struct {
	Parsed       bool   `json:"parsed"`
	Pages        int    `json:"pages,omitempty"`
	TextChars    int    `json:"text_chars,omitempty"`
	FailureStage string `json:"failure_stage,omitempty"`
	Error        string `json:"error,omitempty"`
}

type pdfStudyResult struct {
	StudyID     string             `json:"study_id"`
	Study       *types.StudyResult `json:"study"`
	Diagnostics pdfDiagnostics     `json:"diagnostics"`
}

type pdfResponse struct {
	Results []pdfStudyResult `json:"results"`
}

// parseTimeout clamps the configured per-study timeout into its
// allowed range.
func (p *PDFClient) parseTimeout() time.Duration {
	t := p.ParseTimeout
	switch {
	case t <= 0:
		return defaultParseTimeout
	case t < minParseTimeout:
		return minParseTimeout
	case t > maxParseTimeout:
		return maxParseTimeout
	}
	return t
}

func (p *PDFClient) batchSize() int {
	if p.BatchSize <= 0 {
		return defaultPDFBatch
	}
	return p.BatchSize
}

// Backfill asks the service to fetch and store full texts for the
// given DOIs. Fire-and-forget: the compile stage calls this after the
// report is already persisted, so failures only cost future PDF hits.
func (p *PDFClient) Backfill(ctx context.Context, dois []string) error {
	if len(dois) == 0 {
		return nil
	}
	body, err := json.Marshal(map[string][]string{"dois": dois})
	if err != nil {
		return types.WrapError(types.ErrInternal, "encode", "pdf backfill request", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint+"/backfill", bytes.NewReader(body))
	if err != nil {
		return types.WrapError(types.ErrInternal, "bad_request", p.Endpoint, err)
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(hreq)
	if err != nil {
		return types.WrapError(types.ErrExternal, "network", "pdf backfill", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return types.NewError(types.ErrExternal,
			fmt.Sprintf("http_%d", resp.StatusCode), "pdf backfill")
	}
	return nil
}

// extractBatch posts one batch and decodes the per-study results. The
// request deadline is the per-study parse timeout plus transport
// grace; the service parses a batch concurrently.
func (p *PDFClient) extractBatch(ctx context.Context, batch []*types.CanonicalPaper) ([]pdfStudyResult, error) {
	timeout := p.parseTimeout()
	req := pdfRequest{Studies: make([]pdfStudyRequest, 0, len(batch))}
	for _, cp := range batch {
		req.Studies = append(req.Studies, pdfStudyRequest{
			StudyID:        cp.PaperID,
			Title:          cp.Title,
			Abstract:       cp.Abstract,
			PDFURL:         cp.PDFURL,
			LandingPageURL: cp.LandingPageURL,
			TimeoutMS:      int(timeout / time.Millisecond),
		})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, types.WrapError(types.ErrInternal, "encode", "pdf request", err)
	}

	actx, cancel := context.WithTimeout(ctx, timeout+pdfRequestGrace)
	defer cancel()

	hreq, err := http.NewRequestWithContext(actx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, types.WrapError(types.ErrInternal, "bad_request", p.Endpoint, err)
	}
	hreq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.Client.Do(hreq)
	if err != nil {
		if actx.Err() == context.DeadlineExceeded {
			return nil, types.WrapError(types.ErrTimeout, "timeout", "pdf extraction", err)
		}
		return nil, types.WrapError(types.ErrExternal, "network", "pdf extraction", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, types.NewError(types.ErrExternal,
			fmt.Sprintf("http_%d", resp.StatusCode),
			string(bytes.TrimSpace(snippet)))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPDFBodyBytes))
	if err != nil {
		return nil, types.WrapError(types.ErrExternal, "body_read", "pdf extraction", err)
	}
	var out pdfResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, types.WrapError(types.ErrExternal, "decode", "pdf extraction response", err)
	}

	p.Log.Debug("pdf batch extracted",
		zap.Int("requested", len(batch)),
		zap.Int("returned", len(out.Results)),
		zap.Duration("elapsed", time.Since(start)))
	return out.Results, nil
}
