// Package opshttp serves the operator surface of dhcpd: probes, metrics and
// a small JSON API over the lease table.
package opshttp

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"dhcpd/services/dhcpd/internal/dhcp"
	"dhcpd/services/dhcpd/internal/leasestore"
)

// Leases lists stored bindings.
type Leases interface {
	List(ctx context.Context, f leasestore.Filter) ([]leasestore.Lease, error)
}

// Allocator is the part of the DHCP server exposed to operators.
type Allocator interface {
	Stats() dhcp.Stats
	ReleaseMAC(ctx context.Context, mac net.HardwareAddr) (dhcp.Decision, error)
}

// Config wires the handler. Ready lists the components that must report
// ready before /readyz succeeds.
type Config struct {
	Leases    Leases
	Allocator Allocator
	Gatherer  prometheus.Gatherer
	Ready     map[string]*atomic.Bool
	Logger    zerolog.Logger
}

// LeaseView is the JSON form of a stored binding.
type LeaseView struct {
	ID        string    `json:"id"`
	MAC       string    `json:"mac"`
	IP        string    `json:"ip"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PoolView is the JSON form of the allocation state.
type PoolView struct {
	Prefix        string `json:"prefix"`
	Initial       int    `json:"initial"`
	Available     int    `json:"available"`
	PendingOffers int    `json:"pending_offers"`
	Quarantined   int    `json:"quarantined"`
}

// ReleaseView is returned by a successful release.
type ReleaseView struct {
	MAC string `json:"mac"`
	IP  string `json:"ip"`
}

type handlers struct {
	cfg Config
}

// Routes builds the router.
func Routes(cfg Config) (http.Handler, error) {
	if cfg.Leases == nil {
		return nil, errors.New("leases are required")
	}
	if cfg.Allocator == nil {
		return nil, errors.New("allocator is required")
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	h := &handlers{cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", h.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/leases", h.handleListLeases)
		r.Post("/leases/{mac}/release", h.handleRelease)
		r.Get("/pool", h.handlePool)
	})
	return r, nil
}

func (h *handlers) handleReady(w http.ResponseWriter, _ *http.Request) {
	var pending []string
	for name, ready := range h.cfg.Ready {
		if ready == nil || !ready.Load() {
			pending = append(pending, name)
		}
	}
	if len(pending) > 0 {
		slices.Sort(pending)
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"not_ready": pending})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handlers) handleListLeases(w http.ResponseWriter, r *http.Request) {
	state := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("state")))
	filter, ok := leasestore.ParseFilter(state)
	if !ok {
		respondError(w, http.StatusBadRequest, errors.New("state must be one of all, active, released"))
		return
	}

	leases, err := h.cfg.Leases.List(r.Context(), filter)
	if err != nil {
		h.cfg.Logger.Error().Ctx(r.Context()).Err(err).Msg("list leases")
		respondError(w, http.StatusInternalServerError, errors.New("failed to list leases"))
		return
	}

	out := make([]LeaseView, 0, len(leases))
	for _, l := range leases {
		out = append(out, LeaseView{
			ID:        l.ID.String(),
			MAC:       l.MAC.String(),
			IP:        l.IP.String(),
			State:     l.State.String(),
			CreatedAt: l.CreatedAt.UTC(),
			UpdatedAt: l.UpdatedAt.UTC(),
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"leases": out})
}

func (h *handlers) handlePool(w http.ResponseWriter, _ *http.Request) {
	st := h.cfg.Allocator.Stats()
	respondJSON(w, http.StatusOK, PoolView{
		Prefix:        st.Prefix.String(),
		Initial:       st.Initial,
		Available:     st.Available,
		PendingOffers: st.PendingOffers,
		Quarantined:   st.Quarantined,
	})
}

func (h *handlers) handleRelease(w http.ResponseWriter, r *http.Request) {
	mac, err := net.ParseMAC(chi.URLParam(r, "mac"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	d, err := h.cfg.Allocator.ReleaseMAC(r.Context(), mac)
	switch {
	case errors.Is(err, dhcp.ErrNoActiveLease):
		respondError(w, http.StatusNotFound, err)
		return
	case err != nil:
		h.cfg.Logger.Error().Ctx(r.Context()).Err(err).Stringer("mac", mac).Msg("release lease")
		respondError(w, http.StatusInternalServerError, errors.New("failed to release lease"))
		return
	}

	h.cfg.Logger.Info().Ctx(r.Context()).Stringer("mac", mac).Stringer("ip", d.Addr).Msg("lease released by operator")
	respondJSON(w, http.StatusOK, ReleaseView{MAC: mac.String(), IP: addrString(d.Addr)})
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}
