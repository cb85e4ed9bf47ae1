package server

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/timecapsule/backend/internal/capsules"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Oversized attachments are reported per file, so the request itself may
// exceed the per-file limit several times over.
const maxCreateRequestBytes = 25 * capsules.MaxFileBytes

type fileResponse struct {
	Name        string                `json:"name"`
	Type        capsules.FileCategory `json:"type"`
	ContentType string                `json:"content_type"`
	Size        int64                 `json:"size"`
	URL         string                `json:"url"`
}

type capsuleResponse struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	OwnerID          string         `json:"owner_id"`
	OwnerName        string         `json:"owner_name"`
	CreatedAt        time.Time      `json:"created_at"`
	UnlockAt         time.Time      `json:"unlock_at"`
	Unlocked         bool           `json:"unlocked"`
	RemainingSeconds int64          `json:"remaining_seconds"`
	UnlockedAt       *time.Time     `json:"unlocked_at,omitempty"`
	SweepPending     bool           `json:"sweep_pending"`
	NotificationSent bool           `json:"notification_sent"`
	IsOwner          bool           `json:"is_owner"`
	SharedWith       []string       `json:"shared_with,omitempty"`
	FileCount        int            `json:"file_count"`
	Files            []fileResponse `json:"files"`
}

func newCapsuleResponse(view capsules.View) capsuleResponse {
	capsule := view.Capsule
	visible := view.VisibleFiles()
	files := make([]fileResponse, 0, len(visible))
	for _, file := range visible {
		files = append(files, fileResponse{
			Name:        file.Name,
			Type:        file.Type,
			ContentType: file.ContentType,
			Size:        file.Size,
			URL:         file.URL,
		})
	}
	response := capsuleResponse{
		ID:               capsule.ID,
		Name:             capsule.Name,
		Description:      capsule.Description,
		OwnerID:          capsule.OwnerID,
		OwnerName:        capsule.OwnerName,
		CreatedAt:        capsule.CreatedAt.UTC(),
		UnlockAt:         capsule.UnlockAt.UTC(),
		Unlocked:         view.Unlocked,
		RemainingSeconds: int64(view.Remaining / time.Second),
		UnlockedAt:       capsule.UnlockedAt,
		SweepPending:     view.SweepPending(),
		NotificationSent: capsule.NotificationSent,
		IsOwner:          view.IsOwner,
		FileCount:        len(capsule.Files),
		Files:            files,
	}
	if view.IsOwner {
		response.SharedWith = capsule.SharedWith()
	}
	return response
}

func newCapsuleListResponse(views []capsules.View) gin.H {
	items := make([]capsuleResponse, 0, len(views))
	for _, view := range views {
		items = append(items, newCapsuleResponse(view))
	}
	return gin.H{"capsules": items}
}

type rejectedFileResponse struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type createResponse struct {
	CapsuleID     string                 `json:"capsule_id"`
	RejectedFiles []rejectedFileResponse `json:"rejected_files"`
}

func (h *httpHandler) handleCreateCapsule(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxCreateRequestBytes)
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request_too_large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	unlockAt, err := capsules.ParseUnlockDate(firstFormValue(form, "unlock_date", "unlockDate"))
	if err != nil {
		h.respondError(c, "create", err)
		return
	}

	result, err := h.capsules.Create(c.Request.Context(), owner, capsules.CreateRequest{
		Name:        firstFormValue(form, "name"),
		Description: firstFormValue(form, "description"),
		UnlockAt:    unlockAt,
		Files:       fileUploads(form.File["files"]),
	})
	if err != nil {
		h.respondError(c, "create", err)
		return
	}

	rejected := make([]rejectedFileResponse, 0, len(result.Rejected))
	for _, file := range result.Rejected {
		rejected = append(rejected, rejectedFileResponse{
			Name:    file.Name,
			Size:    file.Size,
			Reason:  file.Reason,
			Message: file.Message(),
		})
	}
	c.JSON(http.StatusCreated, createResponse{
		CapsuleID:     result.Capsule.ID,
		RejectedFiles: rejected,
	})
}

func firstFormValue(form *multipart.Form, keys ...string) string {
	for _, key := range keys {
		if values := form.Value[key]; len(values) > 0 && strings.TrimSpace(values[0]) != "" {
			return values[0]
		}
	}
	return ""
}

func fileUploads(headers []*multipart.FileHeader) []capsules.FileUpload {
	uploads := make([]capsules.FileUpload, 0, len(headers))
	for _, header := range headers {
		uploads = append(uploads, capsules.FileUpload{
			Name:        header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Size:        header.Size,
			Open: func() (io.ReadCloser, error) {
				return header.Open()
			},
		})
	}
	return uploads
}

func (h *httpHandler) handleListCapsules(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	views, err := h.capsules.List(c.Request.Context(), owner)
	if err != nil {
		h.respondError(c, "list", err)
		return
	}
	c.JSON(http.StatusOK, newCapsuleListResponse(views))
}

func (h *httpHandler) handleListSharedCapsules(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	views, err := h.capsules.ListShared(c.Request.Context(), owner)
	if err != nil {
		h.respondError(c, "list", err)
		return
	}
	c.JSON(http.StatusOK, newCapsuleListResponse(views))
}

func (h *httpHandler) handleGetCapsule(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	id, err := capsules.NewCapsuleID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	view, err := h.capsules.Get(c.Request.Context(), owner, id)
	if err != nil {
		h.respondError(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"capsule": newCapsuleResponse(view)})
}

func (h *httpHandler) handleUnlockCapsule(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	id, err := capsules.NewCapsuleID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	result, err := h.capsules.Unlock(c.Request.Context(), owner, id)
	if err != nil {
		h.respondError(c, "unlock", err)
		return
	}
	if result.Claimed {
		h.realtime.PublishCapsuleUnlocked(result.View.Capsule)
	}
	h.logger.Debug("capsule unlock request served",
		zap.String("capsule_id", result.View.Capsule.ID),
		zap.Bool("claimed", result.Claimed))
	c.JSON(http.StatusOK, gin.H{"capsule": newCapsuleResponse(result.View)})
}

type shareRequestPayload struct {
	Email   string `json:"email"`
	Message string `json:"message"`
}

func (h *httpHandler) handleShareCapsule(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	id, err := capsules.NewCapsuleID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	var request shareRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.capsules.Share(c.Request.Context(), owner, id, capsules.ShareRequest{
		Email:   request.Email,
		Message: request.Message,
	})
	if err != nil {
		h.respondError(c, "share", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"added":       result.Added,
		"notified":    result.Notified,
		"shared_with": result.Capsule.SharedWith(),
	})
}
