package ordersync

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"bitbucket.org/mmdatafocus/qms_backend/middlewares"
	"bitbucket.org/mmdatafocus/qms_backend/models"
	"bitbucket.org/mmdatafocus/qms_backend/utils"
)

const maxUploadBytes = 25 << 20

// RegisterRoutes mounts the sync HTTP surface under /ordersync. The whole
// group requires an authenticated actor; audit rows must name who triggered
// a run or merged a customer. The Pub/Sub push endpoint stays outside the
// group and authenticates through the push subscription instead.
func RegisterRoutes(router gin.IRouter) {
	group := router.Group("/ordersync")
	group.Use(middlewares.RequireAuth())
	group.POST("/api/runs", handleTriggerAPIRun)
	group.POST("/uploads/tabular", handleUploadTabular)
	group.POST("/uploads/document", handleUploadDocument)
	group.GET("/runs", handleListRuns)
	group.GET("/runs/:id", handleGetRun)
	group.GET("/orders/:id", handleGetOrder)
	group.GET("/unmatched", handleListUnmatched)
	group.GET("/reports/sku", handleSkuReport)
	group.GET("/customers/:id/quantity", handleCustomerQuantity)
	group.POST("/customers/merge", handleMergeCustomers)

	router.POST("/pubsub/ordersync", HandleSyncPush)
}

type triggerAPIRunRequest struct {
	SinceDate  string `json:"since_date"`
	MaxPages   int    `json:"max_pages"`
	MaxRecords int    `json:"max_records"`
	Async      bool   `json:"async"`
}

// handleTriggerAPIRun starts a remote-API sync. Synchronous by default;
// async enqueues the run and publishes it for the push worker.
func handleTriggerAPIRun(c *gin.Context) {
	var req triggerAPIRunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ctx := c.Request.Context()
	window := RunWindow{SinceDate: req.SinceDate, MaxPages: req.MaxPages, MaxRecords: req.MaxRecords}

	if req.Async {
		run, err := models.CreateSyncRun(ctx, models.SourceAPI, models.SyncTriggeredManual, window.Encode())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := PublishSyncRun(ctx, run); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"run_id": run.ID, "status": run.Status})
		return
	}

	summary, err := Run(ctx, models.SourceAPI, models.SyncTriggeredManual, window)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, utils.ErrLockNotObtained) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error(), "summary": summary})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func handleUploadTabular(c *gin.Context) {
	handleUpload(c, models.SourceCSV)
}

func handleUploadDocument(c *gin.Context) {
	handleUpload(c, models.SourcePDF)
}

var uploadKinds = map[string]string{
	".csv":  models.FileKindSourceCSV,
	".xlsx": models.FileKindSourceXLSX,
	".pdf":  models.FileKindSourcePDF,
}

// handleUpload stores the uploaded source file as an immutable blob, then
// runs the matching sync synchronously so the operator gets the full
// per-row report in the response.
func handleUpload(c *gin.Context, source models.Source) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if fileHeader.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file exceeds 25MB"})
		return
	}

	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	kind, ok := uploadKinds[ext]
	if !ok || (source == models.SourcePDF) != (ext == ".pdf") {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported file type %q", ext)})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(data) > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file exceeds 25MB"})
		return
	}

	ctx := c.Request.Context()
	contentType := fileHeader.Header.Get("Content-Type")
	objectKey, err := utils.PutBytes(ctx, "ordersync/uploads", ext, contentType, data)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := models.CreateStoredFile(ctx, &models.StoredFile{
		ObjectKey:   objectKey,
		Kind:        kind,
		FileName:    fileHeader.Filename,
		ContentType: contentType,
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	window := RunWindow{FileRef: objectKey, FileName: fileHeader.Filename}
	summary, err := Run(ctx, source, models.SyncTriggeredUpload, window)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, utils.ErrLockNotObtained) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error(), "summary": summary})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func handleListRuns(c *gin.Context) {
	source := models.Source(c.Query("source"))
	if source != "" && !source.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown source %q", source)})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	runs, err := models.ListSyncRuns(c.Request.Context(), source, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func handleGetRun(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}
	ctx := c.Request.Context()
	run, err := models.GetSyncRun(ctx, uint(id))
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	skips, err := models.ListSyncRunSkips(ctx, run.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "skips": skips})
}

func handleGetOrder(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	order, err := models.GetSalesOrder(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

func handleListUnmatched(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	ctx := c.Request.Context()
	entries, err := models.ListUnmatchedEntries(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	pages, err := models.ListUnmatchedPages(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "pages": pages})
}

func handleSkuReport(c *gin.Context) {
	from := parseDateOrNil(c.Query("from"))
	to := parseDateOrNil(c.Query("to"))
	rows, err := models.MatchedQuantityBySku(c.Request.Context(), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"skus": rows})
}

func handleCustomerQuantity(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid customer id"})
		return
	}
	ctx := c.Request.Context()
	customer, err := models.GetCustomer(ctx, id)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "customer not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	total, err := models.MatchedQuantityForCustomer(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"customer_id":      id,
		"display_name":     customer.DisplayName,
		"matched_quantity": total,
	})
}

type mergeCustomersRequest struct {
	SurviveId   int `json:"survive_id" binding:"required"`
	DuplicateId int `json:"duplicate_id" binding:"required"`
}

func handleMergeCustomers(c *gin.Context) {
	var req mergeCustomersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.SurviveId == req.DuplicateId {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot merge a customer into itself"})
		return
	}
	survivor, err := models.MergeCustomers(c.Request.Context(), req.SurviveId, req.DuplicateId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "customer not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"customer": survivor})
}
