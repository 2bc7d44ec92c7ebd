package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/example/oceanwatch/internal/auth"
	"github.com/example/oceanwatch/internal/hazard"
	"github.com/example/oceanwatch/internal/integration"
	"github.com/example/oceanwatch/internal/model"
	"github.com/example/oceanwatch/internal/repository"
	"github.com/example/oceanwatch/internal/usecase"
	"github.com/example/oceanwatch/internal/verification"
)

const (
	// MaxUploadSize is the default per-image limit.
	MaxUploadSize = 10 << 20
	// MaxBatchImages caps the number of files in one batch request.
	MaxBatchImages = 16

	multipartOverhead = 1 << 20
	anonymousUser     = "anonymous"
)

// Service is the use case surface the HTTP layer needs.
type Service interface {
	Health(ctx context.Context) usecase.Health
	ModelInfo() model.Info
	VerifyImage(ctx context.Context, userID string, img usecase.Image, expected hazard.Class) (string, *verification.Verdict, error)
	VerifyBatch(ctx context.Context, userID string, images []usecase.Image, expected []hazard.Class) ([]usecase.BatchItem, error)
	VerifyReport(ctx context.Context, userID string, data []byte, expected hazard.Class) (string, integration.ReportResponse, error)
	GetResult(ctx context.Context, userID, requestID string) (*repository.VerificationLog, error)
	GetDuplicateReport(ctx context.Context, userID, requestID string) (*usecase.DuplicateReport, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

type verifyResponse struct {
	RequestID string `json:"request_id"`
	verification.Verdict
}

type reportResponse struct {
	RequestID string `json:"request_id"`
	integration.ReportResponse
}

type uploadError struct {
	status  int
	message string
}

// RegisterRoutes wires the HTTP handlers to the Gin router with the default
// upload limit.
func RegisterRoutes(router *gin.Engine, svc Service, authMiddleware gin.HandlerFunc) {
	RegisterRoutesWithLimit(router, svc, authMiddleware, MaxUploadSize)
}

// RegisterRoutesWithLimit wires the HTTP handlers with a per-image size limit.
func RegisterRoutesWithLimit(router *gin.Engine, svc Service, authMiddleware gin.HandlerFunc, maxUpload int64) {
	h := &handler{svc: svc, maxUpload: maxUpload}

	router.GET("/health", h.health)
	router.GET("/models", h.models)
	router.POST("/api/verify-image/", optional(authMiddleware), h.verifyReport)

	authed := router.Group("/", authMiddleware)
	authed.POST("/verify", h.verify)
	authed.POST("/verify/batch", h.verifyBatch)
	authed.GET("/result/:id", h.result)
	authed.GET("/result/:id/duplicates", h.duplicates)
	authed.GET("/metrics", auth.RequireRole(auth.RoleAdmin), h.metrics)
}

type handler struct {
	svc       Service
	maxUpload int64
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Health(c.Request.Context()))
}

func (h *handler) models(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.ModelInfo())
}

func (h *handler) verify(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+multipartOverhead)

	file, err := c.FormFile("image")
	if err != nil {
		if !abortOnBodyError(c, err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		}
		return
	}
	img, uerr := h.readImage(file)
	if uerr != nil {
		c.JSON(uerr.status, gin.H{"error": uerr.message})
		return
	}
	expected, err := parseExpected(c.PostForm("hazard_type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	requestID, verdict, err := h.svc.VerifyImage(c.Request.Context(), userID, img, expected)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, verifyResponse{RequestID: requestID, Verdict: *verdict})
}

func (h *handler) verifyBatch(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload*MaxBatchImages+multipartOverhead)

	form, err := c.MultipartForm()
	if err != nil {
		if !abortOnBodyError(c, err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form is required"})
		}
		return
	}
	files := form.File["images"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one image is required"})
		return
	}
	if len(files) > MaxBatchImages {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too many images in batch"})
		return
	}

	var expected []hazard.Class
	for _, name := range form.Value["hazard_types"] {
		class, err := parseExpected(name)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		expected = append(expected, class)
	}
	if len(expected) != 0 && len(expected) != len(files) {
		c.JSON(http.StatusBadRequest, gin.H{"error": verification.ErrExpectedLength.Error()})
		return
	}

	images := make([]usecase.Image, 0, len(files))
	for _, file := range files {
		img, uerr := h.readImage(file)
		if uerr != nil {
			c.JSON(uerr.status, gin.H{"error": file.Filename + ": " + uerr.message})
			return
		}
		images = append(images, img)
	}

	items, err := h.svc.VerifyBatch(c.Request.Context(), userID, images, expected)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": items})
}

// verifyReport serves the reporting form. Tokens are optional; unauthenticated
// uploads are stored as anonymous. A blank hazard_type means no expectation.
func (h *handler) verifyReport(c *gin.Context) {
	userID, ok := auth.GetUserID(c.Request.Context())
	if !ok {
		userID = anonymousUser
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+multipartOverhead)

	file, err := c.FormFile("image")
	if err != nil {
		if !abortOnBodyError(c, err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		}
		return
	}
	img, uerr := h.readImage(file)
	if uerr != nil {
		c.JSON(uerr.status, gin.H{"error": uerr.message})
		return
	}

	expected, err := parseExpected(c.PostForm("hazard_type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	requestID, resp, err := h.svc.VerifyReport(c.Request.Context(), userID, img.Data, expected)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, reportResponse{RequestID: requestID, ReportResponse: resp})
}

func (h *handler) result(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	log, err := h.svc.GetResult(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, logJSON(log))
}

func (h *handler) duplicates(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	report, err := h.svc.GetDuplicateReport(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeLookupError(c, err)
		return
	}
	dups := make([]gin.H, 0, len(report.Duplicates))
	for _, d := range report.Duplicates {
		dups = append(dups, logJSON(d))
	}
	c.JSON(http.StatusOK, gin.H{
		"request":         logJSON(report.Request),
		"duplicates":      dups,
		"duplicate_count": len(dups),
	})
}

func (h *handler) metrics(c *gin.Context) {
	summary, err := h.svc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) readImage(file *multipart.FileHeader) (usecase.Image, *uploadError) {
	if file.Size > h.maxUpload {
		return usecase.Image{}, &uploadError{status: http.StatusRequestEntityTooLarge, message: "image exceeds upload limit"}
	}
	src, err := file.Open()
	if err != nil {
		return usecase.Image{}, &uploadError{status: http.StatusBadRequest, message: "unable to open image"}
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, h.maxUpload+1))
	if err != nil {
		return usecase.Image{}, &uploadError{status: http.StatusInternalServerError, message: "failed to read image"}
	}
	if int64(len(data)) > h.maxUpload {
		return usecase.Image{}, &uploadError{status: http.StatusRequestEntityTooLarge, message: "image exceeds upload limit"}
	}
	if !isImage(file.Header.Get("Content-Type"), data) {
		return usecase.Image{}, &uploadError{status: http.StatusUnsupportedMediaType, message: "unsupported content type"}
	}
	return usecase.Image{Name: file.Filename, Data: data}, nil
}

// isImage trusts an explicit image/* part type and sniffs generic ones.
func isImage(declared string, data []byte) bool {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if declared != "" && declared != "application/octet-stream" {
		return strings.HasPrefix(declared, "image/")
	}
	return strings.HasPrefix(http.DetectContentType(data), "image/")
}

func parseExpected(name string) (hazard.Class, error) {
	if strings.TrimSpace(name) == "" {
		return "", nil
	}
	return hazard.Parse(name)
}

func requireUser(c *gin.Context) (string, bool) {
	userID, ok := auth.GetUserID(c.Request.Context())
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
	return userID, ok
}

func abortOnBodyError(c *gin.Context, err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return true
	}
	return false
}

func writeLookupError(c *gin.Context, err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
}

func optional(mw gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			c.Next()
			return
		}
		mw(c)
	}
}

func logJSON(log *repository.VerificationLog) gin.H {
	return gin.H{
		"request_id":           log.RequestID,
		"user_id":              log.UserID,
		"source":               log.Source,
		"status":               log.Status,
		"message":              log.Message,
		"confidence":           log.Confidence,
		"expected_type":        log.ExpectedType,
		"detected_type":        log.DetectedType,
		"hazard_confidence":    log.HazardConfidence,
		"is_synthetic":         log.IsSynthetic,
		"synthetic_confidence": log.SyntheticConfidence,
		"model":                log.Model,
		"sha1_hash":            log.SHA1Hash,
		"latency_ms":           log.LatencyMs,
		"created_at":           log.CreatedAt,
	}
}
