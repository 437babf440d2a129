package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"oaiharvest/internal/httpx"
)

// HTTPHandler exposes the admin operations under /internal/harvest.
type HTTPHandler struct {
	admin     *Admin
	scheduler *Scheduler
	// base outlives requests; background cycles run under it.
	base   context.Context
	logger *zap.Logger
}

func NewHTTPHandler(base context.Context, admin *Admin, scheduler *Scheduler, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{admin: admin, scheduler: scheduler, base: base, logger: logger}
}

// Register mounts the routes on mux, each wrapped by protect.
func (h *HTTPHandler) Register(mux *http.ServeMux, protect func(http.Handler) http.Handler) {
	routes := map[string]http.HandlerFunc{
		"GET /internal/harvest/collections":                 h.List,
		"POST /internal/harvest/collections/{ref}/config":   h.Configure,
		"POST /internal/harvest/collections/{ref}/run":      h.Run,
		"POST /internal/harvest/collections/{ref}/purge":    h.Purge,
		"POST /internal/harvest/collections/{ref}/reimport": h.Reimport,
		"POST /internal/harvest/reset":                      h.Reset,
		"POST /internal/harvest/purge":                      h.PurgeAll,
		"GET /internal/harvest/ping":                        h.Ping,
		"POST /internal/harvest/scheduler/pause":            h.Pause,
		"POST /internal/harvest/scheduler/resume":           h.Resume,
	}
	for pattern, fn := range routes {
		mux.Handle(pattern, protect(fn))
	}
}

// List handles GET /internal/harvest/collections
// @Summary List harvest configuration and status of every collection
// @Tags harvest
// @Produce json
// @Success 200 {object} httpx.SuccessResponse
// @Router /internal/harvest/collections [get]
func (h *HTTPHandler) List(w http.ResponseWriter, r *http.Request) {
	rows, err := h.admin.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]collectionView, 0, len(rows))
	for _, hc := range rows {
		out = append(out, newCollectionView(hc))
	}
	httpx.JSONSuccess(w, r, out)
}

// Configure handles POST /internal/harvest/collections/{ref}/config
// @Summary Set up a collection for harvesting
// @Tags harvest
// @Accept json
// @Produce json
// @Param ref path string true "Collection id or handle"
// @Success 200 {object} httpx.SuccessResponse
// @Failure 400 {object} httpx.ErrorResponse
// @Failure 409 {object} httpx.ErrorResponse
// @Router /internal/harvest/collections/{ref}/config [post]
func (h *HTTPHandler) Configure(w http.ResponseWriter, r *http.Request) {
	var req ConfigureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.JSONError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body", nil)
		return
	}
	req.Collection = r.PathValue("ref")

	hc, err := h.admin.Configure(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSONSuccess(w, r, newCollectionView(hc))
}

// Run handles POST /internal/harvest/collections/{ref}/run
// @Summary Start a harvest cycle
// @Tags harvest
// @Param ref path string true "Collection id or handle"
// @Param force query bool false "Ignore the last harvest date"
// @Success 202 {object} httpx.SuccessResponse
// @Failure 409 {object} httpx.ErrorResponse
// @Router /internal/harvest/collections/{ref}/run [post]
func (h *HTTPHandler) Run(w http.ResponseWriter, r *http.Request) {
	opts, err := optionsFromQuery(r)
	if err != nil {
		httpx.JSONError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	pid, err := h.admin.Start(r.Context(), h.base, r.PathValue("ref"), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSONAccepted(w, r, map[string]string{"process_id": pid.String()})
}

func (h *HTTPHandler) Reimport(w http.ResponseWriter, r *http.Request) {
	opts, err := optionsFromQuery(r)
	if err != nil {
		httpx.JSONError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	pid, err := h.admin.StartReimport(r.Context(), h.base, r.PathValue("ref"), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSONAccepted(w, r, map[string]string{"process_id": pid.String()})
}

func (h *HTTPHandler) Purge(w http.ResponseWriter, r *http.Request) {
	n, err := h.admin.Purge(r.Context(), r.PathValue("ref"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSONSuccess(w, r, map[string]int{"deleted": n})
}

func (h *HTTPHandler) PurgeAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.admin.PurgeAll(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSONSuccess(w, r, map[string]int{"deleted": n})
}

func (h *HTTPHandler) Reset(w http.ResponseWriter, r *http.Request) {
	n, err := h.admin.Reset(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSONSuccess(w, r, map[string]int{"reset": n})
}

// Ping handles GET /internal/harvest/ping?source=&set=&format=
func (h *HTTPHandler) Ping(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	source := q.Get("source")
	if source == "" {
		httpx.JSONError(w, r, http.StatusBadRequest, "BAD_REQUEST", "source is required", nil)
		return
	}
	httpx.JSONSuccess(w, r, h.admin.Ping(r.Context(), source, q.Get("set"), q.Get("format")))
}

func (h *HTTPHandler) Pause(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		httpx.JSONError(w, r, http.StatusNotFound, "NOT_FOUND", "scheduler is not running", nil)
		return
	}
	h.scheduler.Pause()
	httpx.JSONSuccess(w, r, map[string]bool{"paused": true})
}

func (h *HTTPHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		httpx.JSONError(w, r, http.StatusNotFound, "NOT_FOUND", "scheduler is not running", nil)
		return
	}
	h.scheduler.Resume()
	httpx.JSONSuccess(w, r, map[string]bool{"paused": false})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var cfgErr *ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		httpx.JSONError(w, r, http.StatusBadRequest, "INVALID_CONFIGURATION", cfgErr.Error(), nil)
	case errors.Is(err, ErrNotConfigured), errors.Is(err, ErrNotFound):
		httpx.JSONError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, ErrConcurrencyConflict):
		httpx.JSONError(w, r, http.StatusConflict, "CONFLICT", err.Error(), nil)
	default:
		h.logger.Error("harvest admin request failed", zap.String("path", r.URL.Path), zap.Error(err))
		httpx.JSONError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
	}
}

func optionsFromQuery(r *http.Request) (Options, error) {
	opts := DefaultOptions()
	q := r.URL.Query()
	flags := []struct {
		name string
		dst  *bool
	}{
		{"force", &opts.ForceSynch},
		{"record_validation", &opts.RecordValidation},
		{"item_validation", &opts.ItemValidation},
		{"submit", &opts.SubmitEnabled},
	}
	for _, f := range flags {
		v := q.Get(f.name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Options{}, errors.New("invalid value for " + f.name)
		}
		*f.dst = b
	}
	return opts, nil
}

type collectionView struct {
	CollectionID     string  `json:"collection_id"`
	HarvestType      string  `json:"harvest_type"`
	OAISource        string  `json:"oai_source"`
	OAISetID         *string `json:"oai_set_id,omitempty"`
	MetadataConfigID string  `json:"metadata_config_id"`
	Status           string  `json:"status"`
	LastHarvested    *string `json:"last_harvested,omitempty"`
	HarvestStartTime *string `json:"harvest_start_time,omitempty"`
	Message          string  `json:"message"`
}

func newCollectionView(hc HarvestedCollection) collectionView {
	v := collectionView{
		CollectionID:     hc.CollectionID.String(),
		HarvestType:      hc.HarvestType.String(),
		OAISource:        hc.OAISource,
		OAISetID:         hc.OAISetID,
		MetadataConfigID: hc.MetadataConfigID,
		Status:           hc.Status.String(),
		Message:          hc.Message,
	}
	if hc.LastHarvested != nil {
		s := hc.LastHarvested.UTC().Format("2006-01-02T15:04:05Z")
		v.LastHarvested = &s
	}
	if hc.HarvestStartTime != nil {
		s := hc.HarvestStartTime.UTC().Format("2006-01-02T15:04:05Z")
		v.HarvestStartTime = &s
	}
	return v
}
