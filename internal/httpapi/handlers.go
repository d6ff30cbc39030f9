package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"PenaltyScanner/internal/domain"
	"PenaltyScanner/internal/usecase"
)

type startDownloadsRequest struct {
	AttachmentIDs  []string `json:"attachment_ids"`
	ForceOverwrite bool     `json:"force_overwrite"`
}

type startDownloadsResponse struct {
	SessionID string                 `json:"session_id"`
	Session   domain.DownloadSession `json:"session"`
}

func (s *Server) startDownloads(c *gin.Context) {
	if s.downloads == nil {
		unavailable(c, "downloads")
		return
	}
	var req startDownloadsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	session, err := s.downloads.Start(c.Request.Context(), req.AttachmentIDs, req.ForceOverwrite)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.logger.Info("download session started", "session", session.ID, "files", len(session.Files))
	c.JSON(http.StatusAccepted, startDownloadsResponse{SessionID: session.ID, Session: session})
}

func (s *Server) getDownload(c *gin.Context) {
	if s.downloads == nil {
		unavailable(c, "downloads")
		return
	}
	session, err := s.downloads.Sessions().Get(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) deleteDownload(c *gin.Context) {
	if s.downloads == nil {
		unavailable(c, "downloads")
		return
	}
	if err := s.downloads.Sessions().Delete(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) downloadEvents(c *gin.Context) {
	if s.downloads == nil {
		unavailable(c, "downloads")
		return
	}
	q, release, err := s.downloads.Sessions().Subscribe(c.Param("id"), s.cfg.QueueSize)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.streamEvents(c, q, release)
}

func (s *Server) startCrawl(c *gin.Context) {
	if s.pipeline == nil {
		unavailable(c, "crawler")
		return
	}
	region := c.Param("region")
	if _, ok := s.regions[region]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown region " + region})
		return
	}
	job, started := s.jobs.start(c.Request.Context(), region, s.pipeline.CrawlRegion)
	if !started {
		c.JSON(http.StatusConflict, gin.H{"error": "crawl already running", "job_id": job.id})
		return
	}
	s.logger.Info("crawl job started", "job", job.id, "region", region)
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.id, "job": job.snapshot()})
}

func (s *Server) getCrawlJob(c *gin.Context) {
	job, ok := s.jobs.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "crawl job not found"})
		return
	}
	c.JSON(http.StatusOK, job.snapshot())
}

func (s *Server) crawlEvents(c *gin.Context) {
	job, ok := s.jobs.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "crawl job not found"})
		return
	}
	q := job.events.Subscribe(s.cfg.QueueSize)
	s.streamEvents(c, q, func() { job.events.Unsubscribe(q) })
}

func (s *Server) pending(c *gin.Context) {
	if s.pipeline == nil {
		unavailable(c, "pipeline")
		return
	}
	region := c.Param("region")
	if _, ok := s.regions[region]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown region " + region})
		return
	}
	counts, err := s.pipeline.Pending(c.Request.Context(), region)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, usecase.ErrUnknownAttachments):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrEmptyInput):
		status = http.StatusBadRequest
	case domain.Retryable(err):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " not configured"})
}
