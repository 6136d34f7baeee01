package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/signal-loader/internal/domain"
	"github.com/fairyhunter13/signal-loader/internal/usecase"
)

// Pinger is the readiness probe against the central store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server bundles handler dependencies.
type Server struct {
	Admin       *usecase.AdminService
	DB          Pinger
	Cipher      domain.Cipher
	ReplicaName string
}

// NewServer constructs a Server.
func NewServer(admin *usecase.AdminService, db Pinger, cipher domain.Cipher, replicaName string) *Server {
	return &Server{Admin: admin, DB: db, Cipher: cipher, ReplicaName: replicaName}
}

// loaderView is the JSON shape of a loader; SQL stays encrypted and the
// source password never leaves the store.
type loaderView struct {
	LoaderCode                string     `json:"loaderCode"`
	LoadStatus                string     `json:"loadStatus"`
	Enabled                   bool       `json:"enabled"`
	ApprovalStatus            string     `json:"approvalStatus"`
	MinIntervalSeconds        int        `json:"minIntervalSeconds"`
	MaxIntervalSeconds        int        `json:"maxIntervalSeconds"`
	MaxQueryPeriodSeconds     int        `json:"maxQueryPeriodSeconds"`
	MaxParallelExecutions     int        `json:"maxParallelExecutions"`
	LastLoadTimestamp         *time.Time `json:"lastLoadTimestamp"`
	SourceTimezoneOffsetHours int        `json:"sourceTimezoneOffsetHours"`
	PurgeStrategy             string     `json:"purgeStrategy"`
	FailedSince               *time.Time `json:"failedSince"`
	ConsecutiveZeroRecordRuns int        `json:"consecutiveZeroRecordRuns"`
	UpdatedAt                 time.Time  `json:"updatedAt"`
}

func toLoaderView(l domain.Loader) loaderView {
	return loaderView{
		LoaderCode:                l.LoaderCode,
		LoadStatus:                string(l.LoadStatus),
		Enabled:                   l.Enabled,
		ApprovalStatus:            string(l.ApprovalStatus),
		MinIntervalSeconds:        l.MinIntervalSeconds,
		MaxIntervalSeconds:        l.MaxIntervalSeconds,
		MaxQueryPeriodSeconds:     l.MaxQueryPeriodSeconds,
		MaxParallelExecutions:     l.MaxParallelExecutions,
		LastLoadTimestamp:         l.LastLoadTimestamp,
		SourceTimezoneOffsetHours: l.SourceTimezoneOffsetHours,
		PurgeStrategy:             string(l.PurgeStrategy),
		FailedSince:               l.FailedSince,
		ConsecutiveZeroRecordRuns: l.ConsecutiveZeroRecordRuns,
		UpdatedAt:                 l.UpdatedAt,
	}
}

// GetLoaderHandler serves GET /v1/loaders/{code}.
func (s *Server) GetLoaderHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		l, err := s.Admin.GetLoader(r.Context(), code)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toLoaderView(l))
	}
}

type updateLoaderRequest struct {
	LoaderSQL                 string `json:"loaderSql"`
	SourceDatabaseCode        string `json:"sourceDatabaseCode"`
	MinIntervalSeconds        int    `json:"minIntervalSeconds"`
	MaxIntervalSeconds        int    `json:"maxIntervalSeconds"`
	MaxQueryPeriodSeconds     int    `json:"maxQueryPeriodSeconds"`
	MaxParallelExecutions     int    `json:"maxParallelExecutions"`
	SourceTimezoneOffsetHours int    `json:"sourceTimezoneOffsetHours"`
	AggregationPeriodSeconds  *int   `json:"aggregationPeriodSeconds"`
	PurgeStrategy             string `json:"purgeStrategy"`
	UpdatedBy                 string `json:"updatedBy"`
}

// UpdateLoaderHandler serves PUT /v1/loaders/{code} for non-runtime fields.
func (s *Server) UpdateLoaderHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		var req updateLoaderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		def := usecase.LoaderDefinition{
			LoaderCode:                code,
			LoaderSQL:                 req.LoaderSQL,
			SourceDatabaseCode:        req.SourceDatabaseCode,
			MinIntervalSeconds:        req.MinIntervalSeconds,
			MaxIntervalSeconds:        req.MaxIntervalSeconds,
			MaxQueryPeriodSeconds:     req.MaxQueryPeriodSeconds,
			MaxParallelExecutions:     req.MaxParallelExecutions,
			SourceTimezoneOffsetHours: req.SourceTimezoneOffsetHours,
			AggregationPeriodSeconds:  req.AggregationPeriodSeconds,
			PurgeStrategy:             domain.PurgeStrategy(req.PurgeStrategy),
			UpdatedBy:                 req.UpdatedBy,
		}
		if err := s.Admin.UpdateLoader(r.Context(), def); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

// PauseHandler serves POST /v1/loaders/{code}/pause.
func (s *Server) PauseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Admin.Pause(r.Context(), chi.URLParam(r, "code")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
	}
}

// ResumeHandler serves POST /v1/loaders/{code}/resume.
func (s *Server) ResumeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Admin.Resume(r.Context(), chi.URLParam(r, "code")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
	}
}

type adjustTimestampRequest struct {
	// Timestamp re-seeds the watermark; null clears it so the next run
	// starts from the lookback window.
	Timestamp *time.Time `json:"timestamp"`
}

// AdjustTimestampHandler serves POST /v1/loaders/{code}/timestamp.
func (s *Server) AdjustTimestampHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req adjustTimestampRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if err := s.Admin.AdjustTimestamp(r.Context(), chi.URLParam(r, "code"), req.Timestamp); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "adjusted"})
	}
}

type historyView struct {
	LoaderCode         string     `json:"loaderCode"`
	SourceDatabaseCode string     `json:"sourceDatabaseCode"`
	ReplicaName        string     `json:"replicaName"`
	StartTime          time.Time  `json:"startTime"`
	EndTime            *time.Time `json:"endTime"`
	DurationSeconds    *int64     `json:"durationSeconds"`
	QueryFromTime      *time.Time `json:"queryFromTime"`
	QueryToTime        *time.Time `json:"queryToTime"`
	Status             string     `json:"status"`
	RecordsLoaded      int64      `json:"recordsLoaded"`
	RecordsIngested    int64      `json:"recordsIngested"`
	ErrorMessage       string     `json:"errorMessage,omitempty"`
}

// HistoryHandler serves GET /v1/history with optional filters.
func (s *Server) HistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := domain.HistoryFilter{
			LoaderCode: q.Get("loaderCode"),
			Status:     domain.HistoryStatus(q.Get("status")),
		}
		if v := q.Get("fromTime"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: fromTime", domain.ErrInvalidArgument), nil)
				return
			}
			f.FromTime = &t
		}
		if v := q.Get("toTime"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: toTime", domain.ErrInvalidArgument), nil)
				return
			}
			f.ToTime = &t
		}
		if v := q.Get("limit"); v != "" {
			var n int
			if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
				writeError(w, r, fmt.Errorf("%w: limit", domain.ErrInvalidArgument), nil)
				return
			}
			f.Limit = n
		}
		hs, err := s.Admin.QueryHistory(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]historyView, 0, len(hs))
		for _, h := range hs {
			out = append(out, historyView{
				LoaderCode:         h.LoaderCode,
				SourceDatabaseCode: h.SourceDatabaseCode,
				ReplicaName:        h.ReplicaName,
				StartTime:          h.StartTime,
				EndTime:            h.EndTime,
				DurationSeconds:    h.DurationSeconds,
				QueryFromTime:      h.QueryFromTime,
				QueryToTime:        h.QueryToTime,
				Status:             string(h.Status),
				RecordsLoaded:      h.RecordsLoaded,
				RecordsIngested:    h.RecordsIngested,
				ErrorMessage:       h.ErrorMessage,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": out})
	}
}

// ReadyzHandler pings the central store and verifies the cipher round-trips.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.DB.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "db unavailable"})
			return
		}
		enc, err := s.Cipher.Encrypt("ready")
		if err == nil {
			_, err = s.Cipher.Decrypt(enc)
		}
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "cipher unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "replica": s.ReplicaName})
	}
}
