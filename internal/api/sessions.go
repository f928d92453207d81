package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/dunamismax/tidyimg/internal/domain"
	"github.com/dunamismax/tidyimg/internal/pipeline"
	"github.com/dunamismax/tidyimg/internal/session"
)

type sessionView struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	MIMEType       string                 `json:"mime_type"`
	Width          int                    `json:"width"`
	Height         int                    `json:"height"`
	Revision       int                    `json:"revision"`
	ActiveTool     string                 `json:"active_tool"`
	PendingCrop    *domain.CropRectangle  `json:"pending_crop,omitempty"`
	MinCropPixels  float64                `json:"min_crop_pixels"`
	Export         domain.ExportConfig    `json:"export"`
	ExportFilename string                 `json:"export_filename"`
	EstimatedSize  int64                  `json:"estimated_size"`
	SizeLabel      string                 `json:"estimated_size_label"`
	Digest         string                 `json:"digest"`
	Analysis       *domain.AnalysisResult `json:"analysis,omitempty"`
}

func (s *Server) viewOf(sess session.EditSession) sessionView {
	return sessionView{
		ID:             sess.ID,
		Name:           sess.Name,
		MIMEType:       sess.Current.MIMEType,
		Width:          sess.Dimensions.Width,
		Height:         sess.Dimensions.Height,
		Revision:       sess.Revision(),
		ActiveTool:     sess.ActiveTool.String(),
		PendingCrop:    sess.PendingCrop,
		MinCropPixels:  s.editor.MinCropPixels(),
		Export:         sess.Export,
		ExportFilename: sess.ExportFilename(),
		EstimatedSize:  sess.EstimatedSize,
		SizeLabel:      pipeline.FormatBytes(sess.EstimatedSize),
		Digest:         sess.Current.Digest(),
		Analysis:       sess.Analysis,
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"error": fmt.Sprintf("image exceeds %s", pipeline.FormatBytes(tooLarge.Limit)),
			})
			return
		}
		badRequest(w, fmt.Errorf("read image body: %w", err))
		return
	}
	if len(data) == 0 {
		badRequest(w, errors.New("image body is required"))
		return
	}

	name := strings.TrimSpace(r.URL.Query().Get("name"))
	src := pipeline.BytesSource{Data: data, MIMEType: r.Header.Get("Content-Type")}
	s.createSession(w, r, name, src)
}

func (s *Server) handleImportSession(w http.ResponseWriter, r *http.Request) {
	var req domain.ImportSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		badRequest(w, err)
		return
	}
	if s.storage == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "object storage is unavailable"})
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = path.Base(req.ObjectKey)
	}
	s.createSession(w, r, name, pipeline.ObjectSource{Storage: s.storage, Key: req.ObjectKey})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request, name string, src pipeline.Source) {
	sess, err := s.editor.NewSession(r.Context(), "", name, src)
	s.metrics.observeEdit("load", err)
	if err != nil {
		s.writeError(w, "load image", err)
		return
	}
	if err := s.sessions.Create(sess); err != nil {
		s.writeError(w, "create session", err)
		return
	}

	s.logger.Printf("session created session_id=%s name=%q size=%s bytes=%d", sess.ID, sess.Name, sess.Dimensions, sess.EstimatedSize)
	w.Header().Set("Location", "/v1/sessions/"+sess.ID)
	writeJSON(w, http.StatusCreated, s.viewOf(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewOf(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Delete(id); err != nil {
		s.writeError(w, "delete session", err)
		return
	}
	s.logger.Printf("session deleted session_id=%s", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, "get image", err)
		return
	}

	etag := strconv.Quote(sess.Current.Digest())
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	data, err := sess.Current.Bytes()
	if err != nil {
		s.writeError(w, "get image", err)
		return
	}
	w.Header().Set("Content-Type", sess.Current.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleSelectTool(w http.ResponseWriter, r *http.Request) {
	var req domain.SelectToolRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	tool, err := session.ParseTool(req.Tool)
	if err != nil {
		s.writeError(w, "select tool", err)
		return
	}
	s.mutate(w, r, "select_tool", func(_ context.Context, sess session.EditSession) (session.EditSession, error) {
		return s.editor.SelectTool(sess, tool)
	})
}

func (s *Server) handleSetPendingCrop(w http.ResponseWriter, r *http.Request) {
	var req domain.PendingCropRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	s.mutate(w, r, "pending_crop", func(_ context.Context, sess session.EditSession) (session.EditSession, error) {
		return s.editor.SetPendingCrop(sess, req.Rect())
	})
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	var req domain.ResizeRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		badRequest(w, err)
		return
	}
	s.mutate(w, r, "resize", func(ctx context.Context, sess session.EditSession) (session.EditSession, error) {
		width, height := pipeline.FitAspect(sess.Dimensions, req.Width, req.Height)
		return s.editor.ApplyResize(ctx, sess, width, height)
	})
}

func (s *Server) handleApplyCrop(w http.ResponseWriter, r *http.Request) {
	var req domain.ApplyCropRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	s.mutate(w, r, "crop", func(ctx context.Context, sess session.EditSession) (session.EditSession, error) {
		return s.editor.ApplyCrop(ctx, sess, req.DisplaySize())
	})
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	var req domain.CompressRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		badRequest(w, err)
		return
	}
	s.mutate(w, r, "compress", func(ctx context.Context, sess session.EditSession) (session.EditSession, error) {
		return s.editor.ApplyCompress(ctx, sess, req.Quality)
	})
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req domain.ConvertRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	format, err := req.TargetFormat()
	if err != nil {
		badRequest(w, err)
		return
	}
	s.mutate(w, r, "convert", func(ctx context.Context, sess session.EditSession) (session.EditSession, error) {
		return s.editor.ApplyConvert(ctx, sess, format)
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "cancel", func(_ context.Context, sess session.EditSession) (session.EditSession, error) {
		return s.editor.Cancel(sess), nil
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "reset", s.editor.Reset)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "analyze", s.editor.Analyze)
}

func (s *Server) handleSetExportConfig(w http.ResponseWriter, r *http.Request) {
	var req domain.ExportConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	s.mutate(w, r, "export_config", func(_ context.Context, sess session.EditSession) (session.EditSession, error) {
		cfg, err := req.Merge(sess.Export)
		if err != nil {
			return sess, fmt.Errorf("%w: %v", errInvalidRequest, err)
		}
		return s.editor.SetExportConfig(sess, cfg)
	})
}

// mutate checks the session out, applies fn and stores the result. On error
// or panic the checked-out value is handed back unchanged.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, session.EditSession) (session.EditSession, error)) {
	id := r.PathValue("id")
	sess, err := s.sessions.Acquire(id)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	released := false
	release := func(next session.EditSession) {
		released = true
		s.sessions.Release(id, next)
	}
	defer func() {
		if !released {
			release(sess)
		}
	}()

	next, err := fn(r.Context(), sess)
	s.metrics.observeEdit(op, err)
	if err != nil {
		release(sess)
		s.writeError(w, op, err)
		return
	}
	release(next)
	writeJSON(w, http.StatusOK, s.viewOf(next))
}
