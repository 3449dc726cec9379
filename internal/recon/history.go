package recon

import (
	"sync"

	"github.com/HerbHall/miningops/pkg/models"
)

// maxScanHistory is how many scans the API keeps in memory.
const maxScanHistory = 20

// ScanRecord is the API view of one scan run.
type ScanRecord struct {
	ID      string                   `json:"id"`
	Status  string                   `json:"status"`
	Summary models.ScanSummary       `json:"summary"`
	Found   []models.DiscoveryResult `json:"found"`
	Error   string                   `json:"error,omitempty"`
}

// scanHistory keeps the most recent scans, newest first.
type scanHistory struct {
	mu      sync.Mutex
	limit   int
	records []ScanRecord
}

func newScanHistory(limit int) *scanHistory {
	return &scanHistory{limit: limit}
}

// begin records a running scan. Beginning an ID twice refreshes its summary.
func (h *scanHistory) begin(id string, summary models.ScanSummary) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.records {
		if h.records[i].ID == id {
			h.records[i].Summary = summary
			return
		}
	}
	rec := ScanRecord{ID: id, Status: scanStatus(false, nil), Summary: summary, Found: []models.DiscoveryResult{}}
	h.records = append([]ScanRecord{rec}, h.records...)
	if len(h.records) > h.limit {
		h.records = h.records[:h.limit]
	}
}

func (h *scanHistory) finish(id string, summary models.ScanSummary, found []models.DiscoveryResult, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.records {
		if h.records[i].ID != id {
			continue
		}
		h.records[i].Status = scanStatus(true, err)
		h.records[i].Summary = summary
		if found != nil {
			h.records[i].Found = found
		}
		if err != nil {
			h.records[i].Error = err.Error()
		}
		return
	}
}

func (h *scanHistory) get(id string) (ScanRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.records {
		if r.ID == id {
			return r, true
		}
	}
	return ScanRecord{}, false
}

func (h *scanHistory) list() []ScanRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ScanRecord{}, h.records...)
}
