package pulse

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"

	"go.uber.org/zap"

	"github.com/HerbHall/miningops/pkg/models"
	"github.com/HerbHall/miningops/pkg/plugin"
)

// registerRequest is the JSON body for POST /miners.
type registerRequest struct {
	Address string `json:"address"`
}

// minerResponse is the JSON view of a pull miner.
type minerResponse struct {
	models.DeviceState
	Status models.DeviceStatus `json:"status"`
	Source string              `json:"source"`
}

// rediscoverResponse lists the miners found by POST /rediscover.
type rediscoverResponse struct {
	Policy RediscoveryPolicy `json:"policy"`
	Found  []netip.Addr      `json:"found"`
}

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/miners", Handler: m.handleListMiners},
		{Method: "POST", Path: "/miners", Handler: m.handleRegisterMiner},
		{Method: "GET", Path: "/miners/{ip}", Handler: m.handleGetMiner},
		{Method: "DELETE", Path: "/miners/{ip}", Handler: m.handleDeregisterMiner},
		{Method: "POST", Path: "/rediscover", Handler: m.handleRediscover},
	}
}

// handleListMiners returns every registered pull miner.
func (m *Module) handleListMiners(w http.ResponseWriter, _ *http.Request) {
	states := m.coordinator.Snapshots()
	out := make([]minerResponse, 0, len(states))
	for _, s := range states {
		out = append(out, m.minerView(s))
	}
	pulseWriteJSON(w, http.StatusOK, out)
}

// handleGetMiner returns one pull miner by address.
func (m *Module) handleGetMiner(w http.ResponseWriter, r *http.Request) {
	addr, err := ParseMinerAddr(r.PathValue("ip"))
	if err != nil {
		pulseWriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	s, ok := m.coordinator.Snapshot(addr)
	if !ok {
		pulseWriteError(w, http.StatusNotFound, "miner not registered")
		return
	}
	pulseWriteJSON(w, http.StatusOK, m.minerView(s))
}

// handleRegisterMiner adds a miner to the polling set. Registering a miner
// that is already present returns 200 with its current state.
func (m *Module) handleRegisterMiner(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		pulseWriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Address == "" {
		pulseWriteError(w, http.StatusBadRequest, "address is required")
		return
	}
	addr, err := ParseMinerAddr(req.Address)
	if err != nil {
		pulseWriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := m.coordinator.Register(r.Context(), addr, SourceAPI)
	if err != nil {
		m.logger.Warn("failed to register miner", zap.String("miner_ip", addr.String()), zap.Error(err))
		pulseWriteError(w, http.StatusInternalServerError, "failed to register miner")
		return
	}
	s, _ := m.coordinator.Snapshot(addr)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	pulseWriteJSON(w, status, m.minerView(s))
}

// handleDeregisterMiner removes a miner from the polling set.
func (m *Module) handleDeregisterMiner(w http.ResponseWriter, r *http.Request) {
	addr, err := ParseMinerAddr(r.PathValue("ip"))
	if err != nil {
		pulseWriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	err = m.coordinator.Deregister(r.Context(), addr)
	switch {
	case errors.Is(err, ErrNotRegistered):
		pulseWriteError(w, http.StatusNotFound, "miner not registered")
	case err != nil:
		m.logger.Warn("failed to deregister miner", zap.String("miner_ip", addr.String()), zap.Error(err))
		pulseWriteError(w, http.StatusInternalServerError, "failed to deregister miner")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleRediscover runs a discovery scan now and applies the rediscovery
// policy to its results.
func (m *Module) handleRediscover(w http.ResponseWriter, r *http.Request) {
	found, err := m.coordinator.Rediscover(r.Context())
	switch {
	case errors.Is(err, ErrNoDiscoverer):
		pulseWriteError(w, http.StatusServiceUnavailable, "discovery unavailable")
		return
	case err != nil:
		m.logger.Warn("rediscovery failed", zap.Error(err))
		pulseWriteError(w, http.StatusBadGateway, "discovery scan failed")
		return
	}
	if found == nil {
		found = []netip.Addr{}
	}
	pulseWriteJSON(w, http.StatusOK, rediscoverResponse{Policy: m.cfg.RediscoveryPolicy, Found: found})
}

func (m *Module) minerView(s models.DeviceState) minerResponse {
	source, _ := m.coordinator.Source(s.Identity)
	return minerResponse{DeviceState: s, Status: s.Status(), Source: source}
}

// -- helpers --

func pulseWriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func pulseWriteError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "https://miningops.dev/problems/" + http.StatusText(status),
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}
