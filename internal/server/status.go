package server

import (
	"errors"
	"net/http"
	"time"

	"securebox/internal/ledger"
)

// statusResp is the public view of a record. It never includes the blob
// reference or any key material.
type statusResp struct {
	State         string    `json:"state"`
	Filename      string    `json:"filename"`
	Size          int64     `json:"size"`
	ContentType   string    `json:"content_type,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
	DownloadCount int       `json:"download_count"`
}

// handleStatus reports a record's state without consuming the token.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "missing token")
		return
	}

	st, err := s.svc.Status(r.Context(), token)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		s.log.Error().Err(err).
			Str("rid", RequestIDFromContext(r.Context())).
			Msg("status lookup failed")
		writeError(w, http.StatusBadGateway, "status lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, statusResp{
		State:         string(st.State),
		Filename:      st.Filename,
		Size:          st.Size,
		ContentType:   st.ContentType,
		ExpiresAt:     st.ExpiresAt,
		DownloadCount: st.DownloadCount,
	})
}

// statsResp aggregates ledger counts for operators.
type statsResp struct {
	TotalFiles    int64 `json:"total_files"`
	ActiveFiles   int64 `json:"active_files"`
	ConsumedFiles int64 `json:"consumed_files"`
	ExpiredFiles  int64 `json:"expired_files"`
	DeletedFiles  int64 `json:"deleted_files"`
	TotalBytes    int64 `json:"total_bytes"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("stats query failed")
		writeError(w, http.StatusBadGateway, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, statsResp{
		TotalFiles:    st.TotalFiles,
		ActiveFiles:   st.ActiveFiles,
		ConsumedFiles: st.ConsumedFiles,
		ExpiredFiles:  st.ExpiredFiles,
		DeletedFiles:  st.DeletedFiles,
		TotalBytes:    st.TotalBytes,
	})
}
