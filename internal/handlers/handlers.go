package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/snapclassify/internal/auth"
	"github.com/example/snapclassify/internal/logging"
	"github.com/example/snapclassify/internal/preview"
	"github.com/example/snapclassify/internal/session"
	"github.com/example/snapclassify/internal/upload"
)

// ImageField is the multipart field carrying the selected file.
const ImageField = "image"

// DefaultMaxRequestBytes leaves room for files somewhat over the upload
// limit to still reach validation and get a precise message.
const DefaultMaxRequestBytes = 32 << 20

// Handler serves the session intent and snapshot endpoints.
type Handler struct {
	sessions        *session.Manager
	previews        *preview.Store
	logger          *zap.Logger
	maxRequestBytes int64
}

// NewHandler builds a Handler. A non-positive maxRequestBytes uses the default.
func NewHandler(sessions *session.Manager, previews *preview.Store, logger *zap.Logger, maxRequestBytes int64) *Handler {
	if maxRequestBytes <= 0 {
		maxRequestBytes = DefaultMaxRequestBytes
	}
	return &Handler{
		sessions:        sessions,
		previews:        previews,
		logger:          logger.Named("http"),
		maxRequestBytes: maxRequestBytes,
	}
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, h *Handler, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Preview ids are unguessable, so they are served without auth to let
	// the page use them directly as image sources.
	router.GET("/previews/:handle", h.getPreview)

	sessions := router.Group("/sessions", authMiddleware)
	sessions.POST("", h.createSession)
	sessions.GET("/:id", h.getSession)
	sessions.DELETE("/:id", h.deleteSession)
	sessions.GET("/:id/events", h.streamSession)
	sessions.POST("/:id/files", h.selectFile)
	sessions.PUT("/:id/dragging", h.setDragging)
	sessions.DELETE("/:id/image", h.clearImage)
	sessions.DELETE("/:id/error", h.dismissError)
	sessions.POST("/:id/reset", h.reset)
}

type snapshotResponse struct {
	SessionID string        `json:"session_id"`
	Phase     session.Phase `json:"phase"`
	session.State
	PreviewURL string `json:"preview_url,omitempty"`
}

func newSnapshot(id string, st session.State) snapshotResponse {
	resp := snapshotResponse{SessionID: id, Phase: st.Phase(), State: st}
	if st.ImagePreview != "" {
		resp.PreviewURL = "/previews/" + string(st.ImagePreview)
	}
	return resp
}

func (h *Handler) createSession(c *gin.Context) {
	owner, _ := auth.Owner(c.Request.Context())
	s, err := h.sessions.Create(owner)
	if err != nil {
		if errors.Is(err, session.ErrTooManySessions) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too many active sessions, please try again later"})
			return
		}
		h.logger.Error("failed to create session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}
	c.JSON(http.StatusCreated, newSnapshot(s.ID(), s.Snapshot()))
}

func (h *Handler) getSession(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newSnapshot(s.ID(), s.Snapshot()))
}

func (h *Handler) deleteSession(c *gin.Context) {
	owner, _ := auth.Owner(c.Request.Context())
	id := c.Param("id")
	if err := h.sessions.Delete(c.Request.Context(), id, owner); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		logging.WithOperation(h.logger, "http.delete_session", id).Warn("session close did not finish", zap.Error(err))
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) streamSession(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}

	updates, stop := s.Watch(8)
	defer stop()

	c.Header("Cache-Control", "no-cache")
	c.SSEvent("state", newSnapshot(s.ID(), s.Snapshot()))
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case st, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("state", newSnapshot(s.ID(), st))
			return true
		case <-s.Done():
			return false
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *Handler) selectFile(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxRequestBytes)
	form, err := c.MultipartForm()
	if err != nil {
		if isBodyTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": upload.ErrTooLarge.Message})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form with an image file is required"})
		return
	}

	// Only the first file counts; extra files in the same drop are ignored.
	files := form.File[ImageField]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	header := files[0]

	src, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, upload.MaxFileSize+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}

	file := upload.File{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Data:        data,
	}
	st, err := s.SelectFile(c.Request.Context(), file)

	status := http.StatusAccepted
	switch {
	case errors.Is(err, upload.ErrUnsupportedType):
		status = http.StatusUnsupportedMediaType
	case errors.Is(err, upload.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, session.ErrClosed):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	case err != nil:
		status = http.StatusInternalServerError
	}
	c.JSON(status, newSnapshot(s.ID(), st))
}

type draggingRequest struct {
	Dragging *bool `json:"dragging" binding:"required"`
}

func (h *Handler) setDragging(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	var req draggingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "dragging flag is required"})
		return
	}
	c.JSON(http.StatusOK, newSnapshot(s.ID(), s.SetDragging(*req.Dragging)))
}

func (h *Handler) clearImage(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newSnapshot(s.ID(), s.ClearImage(c.Request.Context())))
}

func (h *Handler) dismissError(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newSnapshot(s.ID(), s.DismissError()))
}

func (h *Handler) reset(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newSnapshot(s.ID(), s.Reset(c.Request.Context())))
}

func (h *Handler) getPreview(c *gin.Context) {
	img, err := h.previews.Open(c.Request.Context(), preview.Handle(c.Param("handle")))
	if err != nil {
		if errors.Is(err, preview.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "preview not found"})
			return
		}
		h.logger.Error("failed to open preview", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load preview"})
		return
	}
	c.Header("Cache-Control", "private, no-store")
	c.Data(http.StatusOK, img.ContentType, img.Data)
}

func (h *Handler) lookup(c *gin.Context) (*session.Session, bool) {
	owner, _ := auth.Owner(c.Request.Context())
	s, err := h.sessions.Get(c.Param("id"), owner)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	return s, true
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}
