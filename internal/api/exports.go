package api

import (
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/tidyimg/internal/domain"
	"github.com/dunamismax/tidyimg/internal/id"
	"github.com/dunamismax/tidyimg/internal/pipeline"
	"github.com/dunamismax/tidyimg/internal/session"
	"github.com/dunamismax/tidyimg/internal/store"
)

type exportView struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Status      string    `json:"status"`
	Filename    string    `json:"filename"`
	Format      string    `json:"format"`
	Quality     float64   `json:"quality"`
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	SourceSize  int64     `json:"source_size,omitempty"`
	OutputSize  int64     `json:"output_size,omitempty"`
	BytesSaved  int64     `json:"bytes_saved"`
	SizeLabel   string    `json:"output_size_label,omitempty"`
	Digest      string    `json:"digest,omitempty"`
	DurationMS  int64     `json:"duration_ms,omitempty"`
	Error       string    `json:"error,omitempty"`
	DownloadURL string    `json:"download_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func exportViewOf(rec domain.ExportRecord) exportView {
	view := exportView{
		ID:         rec.ID,
		SessionID:  rec.SessionID,
		Status:     rec.Status,
		Filename:   rec.Filename,
		Format:     rec.Format.String(),
		Quality:    rec.Quality,
		Width:      rec.Width,
		Height:     rec.Height,
		SourceSize: rec.SourceSize,
		OutputSize: rec.OutputSize,
		BytesSaved: rec.BytesSaved(),
		Digest:     rec.Digest,
		DurationMS: rec.DurationMS,
		Error:      rec.Error,
		CreatedAt:  rec.CreatedAt,
	}
	if rec.OutputSize > 0 {
		view.SizeLabel = pipeline.FormatBytes(rec.OutputSize)
	}
	return view
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, "export", err)
		return
	}

	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if async {
		s.enqueueExport(w, r, sess)
		return
	}

	startedAt := time.Now()
	out, filename, err := s.editor.Export(r.Context(), sess)
	s.metrics.observeEdit("export", err)
	if err != nil {
		s.writeError(w, "export", err)
		return
	}
	data, err := out.Bytes()
	if err != nil {
		s.writeError(w, "export", err)
		return
	}

	rec := domain.ExportRecord{
		ID:         id.New(),
		SessionID:  sess.ID,
		Status:     domain.ExportStatusSucceeded,
		Filename:   filename,
		Format:     sess.Export.TargetFormat,
		Quality:    sess.Export.Quality,
		Width:      sess.Dimensions.Width,
		Height:     sess.Dimensions.Height,
		SourceSize: sess.EstimatedSize,
		OutputSize: int64(len(data)),
		Digest:     out.Digest(),
		DurationMS: max(1, time.Since(startedAt).Milliseconds()),
		CreatedAt:  s.now(),
	}
	if err := s.exports.Finish(r.Context(), rec); err != nil {
		s.logger.Printf("export record write failed export_id=%s err=%v", rec.ID, err)
	}

	w.Header().Set("Content-Type", out.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.Header().Set("ETag", strconv.Quote(rec.Digest))
	w.Header().Set("X-Export-ID", rec.ID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// enqueueExport stages the current artifact in object storage and hands the
// encode to the worker.
func (s *Server) enqueueExport(w http.ResponseWriter, r *http.Request, sess session.EditSession) {
	if s.queueClient == nil || s.storage == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "asynchronous export is unavailable"})
		return
	}

	data, err := sess.Current.Bytes()
	if err != nil {
		s.writeError(w, "stage export", err)
		return
	}

	exportID := id.New()
	sourceKey := pipeline.SessionObjectKey(sess.ID, exportID)
	if err := s.storage.WriteObject(r.Context(), sourceKey, data, sess.Current.MIMEType); err != nil {
		s.logger.Printf("stage export source failed session_id=%s export_id=%s err=%v", sess.ID, exportID, err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "failed to stage export source"})
		return
	}

	sourceFormat, _ := sess.Current.Format()
	job := domain.ExportJob{
		ID:           exportID,
		SessionID:    sess.ID,
		SourceKey:    sourceKey,
		SourceName:   sess.Name,
		Config:       sess.Export,
		WebhookURL:   strings.TrimSpace(r.URL.Query().Get("webhook_url")),
		RequestedAt:  s.now(),
		SourceFormat: sourceFormat,
	}

	if err := s.exports.Create(r.Context(), domain.ExportRecord{
		ID:         job.ID,
		SessionID:  job.SessionID,
		Status:     domain.ExportStatusQueued,
		Filename:   sess.ExportFilename(),
		Format:     job.Config.TargetFormat,
		Quality:    job.Config.Quality,
		SourceSize: int64(len(data)),
		CreatedAt:  job.RequestedAt,
	}); err != nil {
		s.logger.Printf("create export record failed export_id=%s err=%v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to record export"})
		return
	}

	taskInfo, err := s.queueClient.EnqueueExport(r.Context(), job)
	if err != nil {
		s.logger.Printf("enqueue failed export_id=%s err=%v", job.ID, err)
		if _, updateErr := s.exports.UpdateStatus(r.Context(), job.ID, domain.ExportStatusFailed); updateErr != nil {
			s.logger.Printf("update status failed export_id=%s err=%v", job.ID, updateErr)
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue export"})
		return
	}
	s.metrics.exportsEnqueued.WithLabelValues(taskInfo.Queue).Inc()
	s.logger.Printf("export enqueued export_id=%s session_id=%s queue=%s format=%s", job.ID, sess.ID, taskInfo.Queue, job.Config.TargetFormat)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"export_id":   job.ID,
		"status":      domain.ExportStatusQueued,
		"filename":    sess.ExportFilename(),
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
		"status_url":  fmt.Sprintf("/v1/exports/%s", job.ID),
	})
}

func (s *Server) handleGetExport(w http.ResponseWriter, r *http.Request) {
	exportID := r.PathValue("id")
	if !id.Valid(exportID) {
		s.writeError(w, "get export", store.ErrExportNotFound)
		return
	}
	rec, ok, err := s.exports.Get(r.Context(), exportID)
	if err != nil {
		s.writeError(w, "get export", err)
		return
	}
	if !ok {
		s.writeError(w, "get export", store.ErrExportNotFound)
		return
	}

	view := exportViewOf(rec)
	if rec.Status == domain.ExportStatusSucceeded && rec.ObjectKey != "" && s.storage != nil {
		url, err := s.storage.PresignedGetURL(r.Context(), rec.ObjectKey, rec.Filename, s.presignTTL)
		if err != nil {
			s.logger.Printf("presign download failed export_id=%s err=%v", rec.ID, err)
		} else {
			view.DownloadURL = url
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListExports(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if !id.Valid(sessionID) {
		s.writeError(w, "list exports", store.ErrSessionNotFound)
		return
	}
	records, err := s.exports.ListBySession(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, "list exports", err)
		return
	}

	views := make([]exportView, 0, len(records))
	for _, rec := range records {
		views = append(views, exportViewOf(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"exports":    views,
	})
}
