package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"mediafetch/config"
	"mediafetch/progress"
	"mediafetch/task"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	taskManager *task.Manager
	hub         *progress.Hub
	cfg         *config.Config
}

func NewHandler(tm *task.Manager, hub *progress.Hub, cfg *config.Config) *Handler {
	return &Handler{
		taskManager: tm,
		hub:         hub,
		cfg:         cfg,
	}
}

type JobRequest struct {
	SourceRef string `json:"sourceRef" binding:"required"`
	Kind      string `json:"kind" binding:"required"`
	Container string `json:"container" binding:"required"`
	Quality   string `json:"quality"`
	JobID     string `json:"jobId"`
	BatchID   string `json:"batchId"`
}

type BatchRequest struct {
	SourceRef string `json:"sourceRef" binding:"required"`
	Kind      string `json:"kind" binding:"required"`
	Container string `json:"container" binding:"required"`
	Quality   string `json:"quality"`
}

// statusFor maps task errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrInvalidRequest), errors.Is(err, task.ErrResolution):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrNotFound), errors.Is(err, task.ErrBatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrDuplicateID), errors.Is(err, task.ErrAlreadyInactive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// handleInfo resolves a source locator. Playlists get a batch id to submit children under.
func (h *Handler) handleInfo(c *gin.Context) {
	url := c.Query("url")
	if strings.TrimSpace(url) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}

	res, err := h.taskManager.Resolve(c.Request.Context(), url)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": fmt.Sprintf("Invalid URL or error: %v", err)})
		return
	}
	c.JSON(http.StatusOK, res)
}

// handleCreateJob queues a single fetch.
func (h *Handler) handleCreateJob(c *gin.Context) {
	var req JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobID, err := h.taskManager.Submit(task.Request{
		JobID:     req.JobID,
		BatchID:   req.BatchID,
		SourceRef: req.SourceRef,
		Kind:      task.Kind(req.Kind),
		Container: req.Container,
		Quality:   req.Quality,
	})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{"jobId": jobID}
	if req.BatchID != "" {
		resp["batchId"] = req.BatchID
	}
	c.JSON(http.StatusAccepted, resp)
}

// handleCreateBatch resolves a playlist and queues every item in it.
func (h *Handler) handleCreateBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	batchID, jobIDs, err := h.taskManager.SubmitBatch(c.Request.Context(), task.BatchRequest{
		SourceRef: req.SourceRef,
		Kind:      task.Kind(req.Kind),
		Container: req.Container,
		Quality:   req.Quality,
	})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "batchId": batchID, "jobIds": jobIDs})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"batchId": batchID, "jobIds": jobIDs})
}

func (h *Handler) handleListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, h.taskManager.List())
}

func (h *Handler) handleGetJob(c *gin.Context) {
	jobID := c.Param("jobId")
	j, found := h.taskManager.Get(jobID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	c.JSON(http.StatusOK, j)
}

func (h *Handler) handleCancelJob(c *gin.Context) {
	jobID := c.Param("jobId")
	result, err := h.taskManager.Cancel(jobID)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	message := "Active download canceled"
	if result == task.CanceledQueued {
		message = "Queued download canceled"
	}
	c.JSON(http.StatusOK, gin.H{"message": message, "canceled": result})
}

func (h *Handler) handleGetBatch(c *gin.Context) {
	b, found := h.taskManager.Batch(c.Param("batchId"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Batch not found"})
		return
	}
	c.JSON(http.StatusOK, b)
}

// downloadURL builds the public URL of a finished artifact.
func (h *Handler) downloadURL(c *gin.Context, filename string) string {
	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	return fmt.Sprintf("%s/api/v1/files/%s", baseURL, filename)
}

func (h *Handler) handleGetFile(c *gin.Context) {
	filename := c.Param("filename")
	filePath, err := h.taskManager.GetFilePath(filename)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.FileAttachment(filePath, filename)
}
