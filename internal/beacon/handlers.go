package beacon

import (
	"encoding/json"
	"net/http"
	"net/netip"

	"github.com/HerbHall/miningops/pkg/models"
	"github.com/HerbHall/miningops/pkg/plugin"
)

// minerResponse is the JSON view of a push miner.
type minerResponse struct {
	models.DeviceState
	Status models.DeviceStatus `json:"status"`
}

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/miners", Handler: m.handleListMiners},
		{Method: "GET", Path: "/miners/{ip}", Handler: m.handleGetMiner},
		{Method: "GET", Path: "/stats", Handler: m.handleStats},
	}
}

// handleListMiners returns every push miner seen since startup.
func (m *Module) handleListMiners(w http.ResponseWriter, _ *http.Request) {
	states := m.coordinator.Snapshots()
	out := make([]minerResponse, 0, len(states))
	for _, s := range states {
		out = append(out, minerResponse{DeviceState: s, Status: s.Status()})
	}
	beaconWriteJSON(w, http.StatusOK, out)
}

// handleGetMiner returns one push miner by address.
func (m *Module) handleGetMiner(w http.ResponseWriter, r *http.Request) {
	addr, err := netip.ParseAddr(r.PathValue("ip"))
	if err != nil {
		beaconWriteError(w, http.StatusBadRequest, "invalid miner address")
		return
	}
	s, ok := m.coordinator.Snapshot(addr.Unmap())
	if !ok {
		beaconWriteError(w, http.StatusNotFound, "miner not found")
		return
	}
	beaconWriteJSON(w, http.StatusOK, minerResponse{DeviceState: s, Status: s.Status()})
}

func (m *Module) handleStats(w http.ResponseWriter, _ *http.Request) {
	beaconWriteJSON(w, http.StatusOK, m.Stats())
}

func beaconWriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func beaconWriteError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "https://miningops.dev/problems/" + http.StatusText(status),
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}
