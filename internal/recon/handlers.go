package recon

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/miningops/pkg/models"
	"github.com/HerbHall/miningops/pkg/plugin"
)

// scanRequest is the JSON body for POST /scan.
type scanRequest struct {
	Subnet string `json:"subnet"`
}

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "POST", Path: "/scan", Handler: m.handleScan},
		{Method: "GET", Path: "/scans", Handler: m.handleListScans},
		{Method: "GET", Path: "/scans/{id}", Handler: m.handleGetScan},
		{Method: "GET", Path: "/scans/{id}/export", Handler: m.handleExportScan},
	}
}

// handleScan starts a discovery scan in the background and returns its
// record. An empty body scans the configured subnet.
func (m *Module) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		reconWriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Subnet == "" {
		req.Subnet = m.cfg.Subnet
	}

	prefix, err := ParseSubnet(req.Subnet)
	if err != nil {
		reconWriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := uuid.New().String()
	m.history.begin(id, models.ScanSummary{
		Subnet:     prefix.String(),
		Candidates: len(Hosts(prefix)),
		StartedAt:  time.Now().UTC(),
	})
	rec, _ := m.history.get(id)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.ScanSubnet(m.scanCtx, prefix.String(), id); err != nil {
			m.logger.Debug("background scan ended", zap.String("scan_id", id), zap.Error(err))
		}
	}()

	reconWriteJSON(w, http.StatusAccepted, rec)
}

// handleListScans returns recent scans, newest first.
func (m *Module) handleListScans(w http.ResponseWriter, _ *http.Request) {
	reconWriteJSON(w, http.StatusOK, m.history.list())
}

// handleGetScan returns a single scan by ID.
func (m *Module) handleGetScan(w http.ResponseWriter, r *http.Request) {
	rec, ok := m.history.get(r.PathValue("id"))
	if !ok {
		reconWriteError(w, http.StatusNotFound, "scan not found")
		return
	}
	reconWriteJSON(w, http.StatusOK, rec)
}

// handleExportScan returns the results of a scan as CSV.
func (m *Module) handleExportScan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := m.history.get(id)
	if !ok {
		reconWriteError(w, http.StatusNotFound, "scan not found")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="scan-`+id+`.csv"`)
	if err := WriteCSV(w, rec.Found); err != nil {
		m.logger.Error("export scan", zap.String("scan_id", id), zap.Error(err))
	}
}

func reconWriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func reconWriteError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "https://miningops.dev/problems/" + http.StatusText(status),
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}
