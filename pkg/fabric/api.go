package fabric

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glennswest/microfabric/pkg/network"
	"github.com/glennswest/microfabric/pkg/network/intent"
	"github.com/glennswest/microfabric/pkg/network/topology"
)

// HostWriter is the writable side of the host directory, fed by the hosts
// endpoints.
type HostWriter interface {
	PutHost(h network.Host)
	DeleteHost(id string)
}

// ShowData is the configuration and topology view of the engine.
type ShowData struct {
	AppID            string               `json:"appId"`
	GatewayMAC       network.MAC          `json:"virtualGatewayMacAddress"`
	Gateways         []netip.Addr         `json:"virtualGatewayIps"`
	L2Networks       []topology.L2Network `json:"l2Networks"`
	Subnets          []network.Subnet     `json:"subnets"`
	Routes           []network.Route      `json:"routes"`
	BorderInterfaces []string             `json:"borderInterfaces"`
	Devices          []network.DeviceID   `json:"availableDevices"`
}

// Show returns the current configuration and topology view.
func (m *Manager) Show() ShowData {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return ShowData{
		AppID:            m.app,
		GatewayMAC:       m.gatewayMAC,
		Gateways:         m.gateways.Addrs(),
		L2Networks:       m.registry.List(),
		Subnets:          m.subnets.List(),
		Routes:           m.deps.Routes.Routes(),
		BorderInterfaces: slices.Clone(m.border),
		Devices:          m.deps.Devices.AvailableDevices(),
	}
}

// InstallerView is the installer's record and state of one intent.
type InstallerView struct {
	Record intent.Record `json:"record"`
	State  intent.State  `json:"state"`
}

// InstallerIntent returns what the installer holds under key.
func (m *Manager) InstallerIntent(key intent.Key) (InstallerView, bool) {
	rec, ok := m.deps.Intents.Get(key)
	if !ok {
		return InstallerView{}, false
	}
	return InstallerView{Record: rec, State: m.deps.Intents.State(key)}, true
}

type packetIn struct {
	ReceivedFrom network.ConnectPoint `json:"receivedFrom"`
	Data         []byte               `json:"data"`
}

// NewAPI returns the administrative HTTP API of m. hosts may be nil, which
// disables the host endpoints; gatherer may be nil, which disables /metrics.
//
//	GET    /api/v1/show  configuration, networks, subnets, routes
//	GET    /api/v1/l2networks/{name}
//	GET    /api/v1/intents  installed records and pending purges
//	GET    /api/v1/intents/{key}  the installer's record and state
//	GET    /api/v1/intercepts  applied punt rules
//	POST   /api/v1/refresh  run a refresh pass now
//	POST   /api/v1/flush  withdraw reactive intents
//	POST   /api/v1/packets  packet-in from the controller
//	PUT    /api/v1/hosts  learn or move a host
//	DELETE /api/v1/hosts/{id}  forget a host
//	GET    /metrics
func NewAPI(m *Manager, hosts HostWriter, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/show", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, m.Show())
		})
		r.Get("/l2networks/{name}", func(w http.ResponseWriter, req *http.Request) {
			n, ok := m.registry.FindByName(chi.URLParam(req, "name"))
			if !ok {
				http.Error(w, "l2 network not found", http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, n)
		})
		r.Get("/intents", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, m.reconciler.Snapshot())
		})
		r.Get("/intents/*", func(w http.ResponseWriter, req *http.Request) {
			v, ok := m.InstallerIntent(intent.Key(chi.URLParam(req, "*")))
			if !ok {
				http.Error(w, "intent not found", http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, v)
		})
		r.Get("/intercepts", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, m.Intercepts())
		})
		r.Post("/refresh", func(w http.ResponseWriter, req *http.Request) {
			m.RefreshNow(req.Context())
			writeJSON(w, http.StatusOK, map[string]int{"installed": len(m.reconciler.Snapshot().Installed)})
		})
		r.Post("/flush", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]int{"withdrawn": m.Flush()})
		})
		r.Post("/packets", func(w http.ResponseWriter, req *http.Request) {
			var in packetIn
			if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
				http.Error(w, "invalid packet: "+err.Error(), http.StatusBadRequest)
				return
			}
			err := m.HandlePacket(network.InboundPacket{ReceivedFrom: in.ReceivedFrom, Data: in.Data})
			switch {
			case errors.Is(err, ErrUnhandledFrame):
				http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			case err != nil:
				http.Error(w, err.Error(), http.StatusBadRequest)
			default:
				w.WriteHeader(http.StatusAccepted)
			}
		})
		if hosts != nil {
			r.Put("/hosts", func(w http.ResponseWriter, req *http.Request) {
				var h network.Host
				if err := json.NewDecoder(req.Body).Decode(&h); err != nil {
					http.Error(w, "invalid host: "+err.Error(), http.StatusBadRequest)
					return
				}
				if h.Location.Device == "" {
					http.Error(w, "host location required", http.StatusBadRequest)
					return
				}
				hosts.PutHost(h)
				w.WriteHeader(http.StatusNoContent)
			})
			r.Delete("/hosts/{id}", func(w http.ResponseWriter, req *http.Request) {
				hosts.DeleteHost(chi.URLParam(req, "id"))
				w.WriteHeader(http.StatusNoContent)
			})
		}
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
