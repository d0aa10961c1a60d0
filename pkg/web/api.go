package web

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/logger"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/routing"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/session"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/storage"
)

// API handles REST API endpoints backed by the routing engine, session
// store, and transmission log.
type API struct {
	logger *logger.Logger
	engine *routing.Engine
	store  *session.Store
	repo   *storage.TransmissionRepository // nil when storage is disabled
}

// NewAPI creates a new API instance.
func NewAPI(engine *routing.Engine, store *session.Store, repo *storage.TransmissionRepository, log *logger.Logger) *API {
	return &API{
		logger: log,
		engine: engine,
		store:  store,
		repo:   repo,
	}
}

// NetworkRow is one merged network and its members as seen by the
// dashboard.
type NetworkRow struct {
	Net     string   `json:"net"`
	Members int      `json:"members"`
	Nicks   []string `json:"nicks"`
	SSRCs   []uint32 `json:"ssrcs"`
}

// HandleStatus handles the /api/status endpoint.
func (a *API) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	version, commit, build := GetVersionInfo()
	writeJSON(w, map[string]interface{}{
		"status":             "running",
		"service":            "colony-radio",
		"version":            version,
		"commit":             commit,
		"build_time":         build,
		"sessions":           a.store.Count(),
		"auto_merge_by_freq": a.engine.AutoMerge(),
		"manual_merge_count": a.engine.AliasCount(),
	})
}

// HandleSessions handles the /api/sessions endpoint: the live roster
// with canonicalized network identities.
func (a *API) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, a.engine.PresenceSnapshot())
}

// HandleNetworks handles the /api/networks endpoint: active sessions
// grouped by the canonical network of their active channel.
func (a *API) HandleNetworks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, a.networkRows())
}

// networkRows groups the live roster by canonical active network. Shared
// by the REST endpoint and the websocket push loop.
func (a *API) networkRows() []NetworkRow {
	byNet := make(map[string]*NetworkRow)
	for _, row := range a.engine.PresenceSnapshot() {
		net := row.ActiveNet
		if net == "" {
			continue
		}
		entry := byNet[net]
		if entry == nil {
			entry = &NetworkRow{Net: net}
			byNet[net] = entry
		}
		entry.Members++
		entry.Nicks = append(entry.Nicks, row.Nick)
		entry.SSRCs = append(entry.SSRCs, row.SSRC)
	}

	networks := make([]NetworkRow, 0, len(byNet))
	for _, entry := range byNet {
		networks = append(networks, *entry)
	}
	sort.Slice(networks, func(i, j int) bool { return networks[i].Net < networks[j].Net })
	return networks
}

// HandleTransmissions handles the /api/transmissions endpoint with
// optional page and per_page query parameters.
func (a *API) HandleTransmissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.repo == nil {
		writeJSON(w, map[string]interface{}{
			"transmissions": []storage.Transmission{},
			"total":         0,
		})
		return
	}

	page := parseIntParam(r, "page", 1)
	perPage := parseIntParam(r, "per_page", 50)
	if page < 1 {
		page = 1
	}
	if perPage <= 0 || perPage > 500 {
		perPage = 50
	}

	transmissions, total, err := a.repo.GetRecentPaginated(page, perPage)
	if err != nil {
		a.logger.Error("Failed to query transmissions", logger.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{
		"transmissions": transmissions,
		"total":         total,
		"page":          page,
		"per_page":      perPage,
	})
}

func parseIntParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, obj interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(obj)
}
