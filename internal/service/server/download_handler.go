package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vertextoedge/fetchd/internal/domain"
)

// Downloads is the part of the download manager the admin API drives
type Downloads interface {
	Status(key domain.DownloadKey) (*domain.DownloadRecord, error)
	State(key domain.DownloadKey) (domain.TaskState, bool)
	Pause(key domain.DownloadKey) error
	Cancel(key domain.DownloadKey) error
	PendingDownloads() ([]*domain.DownloadRecord, error)
}

// DownloadHandler serves the download admin endpoints
type DownloadHandler struct {
	downloads Downloads
	logger    *zap.Logger
}

// NewDownloadHandler creates a new DownloadHandler
func NewDownloadHandler(downloads Downloads, logger *zap.Logger) *DownloadHandler {
	return &DownloadHandler{
		downloads: downloads,
		logger:    logger,
	}
}

// Routes returns the router mounted under /downloads
func (h *DownloadHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/", h.HandleList)
	r.Route("/{owner}/{role}", func(r chi.Router) {
		r.Get("/", h.HandleStatus)
		r.Post("/pause", h.HandlePause)
		r.Delete("/", h.HandleCancel)
	})

	return r
}

type downloadView struct {
	Key          string    `json:"key"`
	OwnerID      string    `json:"owner_id"`
	Role         string    `json:"role"`
	URL          string    `json:"url"`
	Destination  string    `json:"destination"`
	State        string    `json:"state,omitempty"`
	BytesWritten int64     `json:"bytes_written"`
	BytesTotal   int64     `json:"bytes_total"`
	Fraction     float64   `json:"fraction"`
	Progress     string    `json:"progress"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (h *DownloadHandler) view(rec *domain.DownloadRecord) downloadView {
	v := downloadView{
		Key:          rec.Key.String(),
		OwnerID:      rec.Key.OwnerID,
		Role:         rec.Key.Role.String(),
		URL:          rec.URL,
		Destination:  rec.Destination,
		BytesWritten: rec.BytesWritten,
		BytesTotal:   rec.BytesTotal,
		Fraction:     rec.Fraction(),
		StartedAt:    rec.StartedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
	if rec.BytesTotal > 0 {
		v.Progress = humanize.Bytes(uint64(rec.BytesWritten)) + " / " + humanize.Bytes(uint64(rec.BytesTotal))
	} else {
		v.Progress = humanize.Bytes(uint64(rec.BytesWritten))
	}
	if st, ok := h.downloads.State(rec.Key); ok {
		v.State = st.String()
	}
	return v
}

// HandleList lists every unfinished download, oldest first
func (h *DownloadHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	records, err := h.downloads.PendingDownloads()
	if err != nil {
		h.logger.Error("failed to list downloads", zap.Error(err))
		http.Error(w, "Failed to list downloads", http.StatusInternalServerError)
		return
	}

	views := make([]downloadView, 0, len(records))
	for _, rec := range records {
		views = append(views, h.view(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

// HandleStatus returns one download
func (h *DownloadHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}

	rec, err := h.downloads.Status(key)
	if err != nil {
		h.logger.Error("failed to load download", zap.Stringer("key", key), zap.Error(err))
		http.Error(w, "Failed to load download", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "Download not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, h.view(rec))
}

// HandlePause asks a running download to pause
func (h *DownloadHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}

	if err := h.downloads.Pause(key); err != nil {
		h.writeError(w, key, "pause", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleCancel cancels a download and deletes its partial data
func (h *DownloadHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}

	if err := h.downloads.Cancel(key); err != nil {
		h.writeError(w, key, "cancel", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadHandler) key(w http.ResponseWriter, r *http.Request) (domain.DownloadKey, bool) {
	role, err := domain.ParseFileRole(chi.URLParam(r, "role"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return domain.DownloadKey{}, false
	}
	key := domain.NewDownloadKey(chi.URLParam(r, "owner"), role)
	if err := key.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return domain.DownloadKey{}, false
	}
	return key, true
}

func (h *DownloadHandler) writeError(w http.ResponseWriter, key domain.DownloadKey, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "Download not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error("download request failed",
			zap.String("op", op),
			zap.Stringer("key", key),
			zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
