package handlers

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/xray-analysis/internal/analysis"
	"github.com/example/xray-analysis/internal/auth"
	"github.com/example/xray-analysis/internal/guidance"
)

// MaxUploadSize caps uploaded X-ray images at 10 MiB.
const MaxUploadSize = 10 << 20

// maxMultipartOverhead leaves room for multipart boundaries and part headers
// on top of the file payload itself.
const maxMultipartOverhead = 4 << 10

var allowedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// ChatRequest is the conversational follow-up payload. The caller supplies
// the entire prior history on every call.
type ChatRequest struct {
	History []guidance.ChatTurn `json:"history"`
	Message string              `json:"message"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, a *analysis.Analyzer, uploadDir string, authMiddleware gin.HandlerFunc, logger *zap.Logger) {
	logger = logger.Named("handlers")

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/")
	api.Use(authMiddleware)

	api.POST("/predict", func(c *gin.Context) {
		// Oversize bodies are cut off at the transport instead of being
		// buffered in full and rejected afterwards.
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+maxMultipartOverhead)

		file, err := c.FormFile("image")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Image exceeds the upload limit"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "No image file provided"})
			return
		}
		if file.Filename == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No selected file"})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Image exceeds the upload limit"})
			return
		}
		ext := strings.ToLower(filepath.Ext(file.Filename))
		if !allowedExtensions[ext] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "File type not allowed"})
			return
		}

		if err := os.MkdirAll(uploadDir, 0o755); err != nil {
			logger.Error("failed to create upload directory", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process the image"})
			return
		}

		savePath := filepath.Join(uploadDir, uuid.NewString()+ext)
		if err := c.SaveUploadedFile(file, savePath); err != nil {
			logger.Error("failed to store upload", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process the image"})
			return
		}
		// The upload is transient: it is removed on every path out of this
		// handler, success or failure.
		defer func() {
			if err := os.Remove(savePath); err != nil {
				logger.Warn("failed to remove transient upload", zap.String("path", savePath), zap.Error(err))
			}
		}()

		data, err := os.ReadFile(savePath)
		if err != nil {
			logger.Error("failed to read stored upload", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process the image"})
			return
		}

		subjectID, _ := auth.GetUserID(c.Request.Context())
		result, err := a.Analyze(c.Request.Context(), subjectID, data)
		if err != nil {
			logger.Error("analysis failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process the image"})
			return
		}

		c.JSON(http.StatusOK, result)
	})

	api.POST("/chat", func(c *gin.Context) {
		var req ChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
			return
		}
		if !a.GuidanceEnabled() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": guidance.FallbackUnavailable})
			return
		}

		reply, err := a.Chat(c.Request.Context(), req.History, req.Message)
		if err != nil {
			logger.Error("chat failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate a reply"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"reply": reply})
	})

	api.GET("/result/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		subjectID, _ := auth.GetUserID(c.Request.Context())

		log, err := a.GetResult(c.Request.Context(), subjectID, requestID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id":    log.RequestID,
			"subject_id":    log.SubjectID,
			"prediction":    log.Prediction,
			"confidence":    log.Confidence,
			"is_anomaly":    log.IsAnomaly,
			"anomaly_count": log.AnomalyCount,
			"created_at":    log.CreatedAt,
		})
	})

	api.GET("/result/:id/duplicates", func(c *gin.Context) {
		requestID := c.Param("id")
		subjectID, _ := auth.GetUserID(c.Request.Context())

		report, err := a.GetDuplicateReport(c.Request.Context(), subjectID, requestID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id": report.Request.RequestID,
			"duplicates": report.Duplicates,
		})
	})

	api.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := a.GetMetricsSummary(c.Request.Context())
		if err != nil {
			logger.Error("metrics aggregation failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}
