package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rawblock/expense-engine/internal/resolver"
	"github.com/rawblock/expense-engine/pkg/models"
)

// maxUploadBytes caps receipt and statement uploads at 20 MiB.
const maxUploadBytes = 20 << 20

func readUpload(c *gin.Context) (string, []byte, error) {
	file, err := c.FormFile("file")
	if err != nil {
		return "", nil, models.E(models.KindValidation, "multipart field 'file' is required")
	}
	if file.Size > maxUploadBytes {
		return "", nil, models.E(models.KindValidation, "file exceeds %d byte limit", maxUploadBytes)
	}
	f, err := file.Open()
	if err != nil {
		return "", nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
	if err != nil {
		return "", nil, err
	}
	return file.Filename, data, nil
}

// POST /api/v1/receipts
// Stores the image and enqueues OCR extraction. Returns 202: extraction and
// matching happen in the background, progress streams over /stream.
func (h *APIHandler) handleUploadReceipt(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	_, data, err := readUpload(c)
	if err != nil {
		respondError(c, err)
		return
	}

	receiptID := uuid.New()
	ref, err := h.blobs.Put(c.Request.Context(), fmt.Sprintf("receipts/%s/%s", uid, receiptID), data)
	if err != nil {
		respondError(c, err)
		return
	}

	receipt := &models.Receipt{
		ID:          receiptID,
		UserID:      uid,
		BlobRef:     ref,
		OCRStatus:   models.OCRPending,
		MatchStatus: models.MatchUnmatched,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.dbStore.InsertReceipt(c.Request.Context(), receipt); err != nil {
		respondError(c, err)
		return
	}

	job, err := h.queue.Enqueue(c.Request.Context(), models.JobOCRExtract, uid,
		map[string]string{"receipt_id": receiptID.String()})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"receipt": receipt,
		"jobId":   job.ID,
	})
}

func (h *APIHandler) handleListReceipts(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	receipts, err := h.dbStore.ListReceipts(c.Request.Context(), uid, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": receipts, "count": len(receipts)})
}

func (h *APIHandler) handleGetReceipt(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid receipt id"})
		return
	}
	receipt, err := h.dbStore.ReceiptByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if receipt.UserID != uid {
		c.JSON(http.StatusNotFound, gin.H{"error": "receipt not found"})
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// GET /api/v1/receipts/:id/candidates
// Scores the candidate pool for one receipt without writing a proposal.
func (h *APIHandler) handleReceiptCandidates(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid receipt id"})
		return
	}
	receipt, err := h.dbStore.ReceiptByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if receipt.UserID != uid {
		c.JSON(http.StatusNotFound, gin.H{"error": "receipt not found"})
		return
	}
	candidates, err := h.matcher.ScoreCandidates(c.Request.Context(), receipt)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receiptId": id, "candidates": candidates})
}

func (h *APIHandler) handleUnmatchReceipt(c *gin.Context) {
	if _, ok := userID(c); !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid receipt id"})
		return
	}
	if err := h.matcher.Unmatch(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unmatched", "receiptId": id})
}

// POST /api/v1/statements
// Ingests a bank/card statement export. Unknown shapes get a column mapping
// from the resolver and come back with needsMappingConfirmation=true.
func (h *APIHandler) handleUploadStatement(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	filename, data, err := readUpload(c)
	if err != nil {
		respondError(c, err)
		return
	}

	result, err := h.importer.Import(c.Request.Context(), uid, filename, data)
	if err != nil {
		respondError(c, err)
		return
	}

	// Imported rows go straight into the categorization queue.
	var jobID *uuid.UUID
	if result.Imported > 0 {
		job, err := h.queue.Enqueue(c.Request.Context(), models.JobCategorizeTransaction, uid,
			map[string]string{"statement_id": result.StatementID.String()})
		if err != nil {
			respondError(c, err)
			return
		}
		jobID = &job.ID
	}

	c.JSON(http.StatusCreated, gin.H{
		"result":          result,
		"categorizeJobId": jobID,
	})
}

func (h *APIHandler) handleGetStatement(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid statement id"})
		return
	}
	stmt, err := h.dbStore.StatementByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if stmt.UserID != uid {
		c.JSON(http.StatusNotFound, gin.H{"error": "statement not found"})
		return
	}
	rowErrs, err := h.dbStore.RowErrorsForStatement(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"statement": stmt, "rowErrors": rowErrs})
}

// POST /api/v1/fingerprints/:id/confirm
// Promotes a resolver-produced column mapping to verified, optionally with
// user corrections.
func (h *APIHandler) handleConfirmMapping(c *gin.Context) {
	if _, ok := userID(c); !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid fingerprint id"})
		return
	}
	var req struct {
		Mapping        models.ColumnMapping `json:"mapping" binding:"required"`
		SignConvention string               `json:"signConvention"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	if req.SignConvention == "" {
		req.SignConvention = models.SignDebitsNegative
	}
	if err := h.importer.ConfirmMapping(c.Request.Context(), id, req.Mapping, req.SignConvention); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "verified", "fingerprintId": id})
}

func (h *APIHandler) handleListTransactions(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if raw := c.Query("statement_id"); raw != "" {
		stmtID, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid statement_id"})
			return
		}
		txs, err := h.dbStore.TransactionsForStatement(ctx, stmtID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": txs, "count": len(txs)})
		return
	}

	from, err := parseDateQuery(c.DefaultQuery("from", "1970-01-01"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid from date, want YYYY-MM-DD"})
		return
	}
	to, err := parseDateQuery(c.DefaultQuery("to", "9999-12-31"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid to date, want YYYY-MM-DD"})
		return
	}
	txs, err := h.dbStore.TransactionsInRange(ctx, uid, from, to)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": txs, "count": len(txs)})
}

func parseDateQuery(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}

// POST /api/v1/transactions/group
// Bundles related charges so a single receipt can match their sum.
func (h *APIHandler) handleCreateGroup(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var req struct {
		Name      string      `json:"name" binding:"required"`
		MemberIDs []uuid.UUID `json:"memberIds" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	group := &models.TransactionGroup{
		ID:     uuid.New(),
		UserID: uid,
		Name:   req.Name,
	}
	created, err := h.dbStore.CreateGroup(c.Request.Context(), group, req.MemberIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"group": created})
}

func (h *APIHandler) handleDissolveGroup(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid group id"})
		return
	}
	if err := h.dbStore.DissolveGroup(c.Request.Context(), uid, id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "dissolved", "groupId": id})
}

// POST /api/v1/matching/run
// Runs the matcher over every unmatched extracted receipt for the user.
func (h *APIHandler) handleRunMatching(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	proposals, err := h.matcher.RunAll(c.Request.Context(), uid)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposals": proposals})
}

func (h *APIHandler) handleListProposals(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	proposals, err := h.dbStore.OpenProposals(c.Request.Context(), uid)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": proposals, "count": len(proposals)})
}

type proposalActionRequest struct {
	RowVersion int64 `json:"rowVersion"`
}

// POST /api/v1/matching/proposals/:id/confirm
// Confirms a proposal. Stale rowVersion gets 409: the client must refetch.
func (h *APIHandler) handleConfirmProposal(c *gin.Context) {
	if _, ok := userID(c); !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid proposal id"})
		return
	}
	var req proposalActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	if err := h.matcher.Confirm(c.Request.Context(), id, req.RowVersion); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "confirmed", "proposalId": id})
}

func (h *APIHandler) handleRejectProposal(c *gin.Context) {
	if _, ok := userID(c); !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid proposal id"})
		return
	}
	var req proposalActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	if err := h.matcher.Reject(c.Request.Context(), id, req.RowVersion); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rejected", "proposalId": id})
}

// POST /api/v1/matching/manual
// Creates a manual match; exactly one of transactionId / groupId is required.
func (h *APIHandler) handleManualMatch(c *gin.Context) {
	if _, ok := userID(c); !ok {
		return
	}
	var req struct {
		ReceiptID     uuid.UUID  `json:"receiptId" binding:"required"`
		TransactionID *uuid.UUID `json:"transactionId"`
		GroupID       *uuid.UUID `json:"groupId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	match, err := h.matcher.Manual(c.Request.Context(), req.ReceiptID, req.TransactionID, req.GroupID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"match": match})
}

func (h *APIHandler) handleCreateSplitPattern(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var pattern models.SplitPattern
	if err := c.ShouldBindJSON(&pattern); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	pattern.ID = uuid.New()
	pattern.UserID = uid
	if err := pattern.Validate(); err != nil {
		respondError(c, err)
		return
	}
	if err := h.dbStore.UpsertSplitPattern(c.Request.Context(), &pattern); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"pattern": pattern})
}

func (h *APIHandler) handleListSplitPatterns(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	patterns, err := h.dbStore.SplitPatterns(c.Request.Context(), uid)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": patterns, "count": len(patterns)})
}

// operationalKinds are the job kinds clients may enqueue directly. Receipt
// and statement pipelines enqueue their own jobs.
var operationalKinds = map[models.JobKind]bool{
	models.JobGenerateReport:       true,
	models.JobSyncReferenceData:    true,
	models.JobWarmCache:            true,
	models.JobPurgeStaleEmbeddings: true,
	models.JobMatchReceipt:         true,
}

func (h *APIHandler) handleEnqueueJob(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var req struct {
		Kind    string         `json:"kind" binding:"required"`
		Payload map[string]any `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	kind := models.JobKind(req.Kind)
	if !operationalKinds[kind] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind cannot be enqueued directly: " + req.Kind})
		return
	}
	job, err := h.queue.Enqueue(c.Request.Context(), kind, uid, req.Payload)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (h *APIHandler) handleListJobs(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	jobList, err := h.queue.List(c.Request.Context(), uid, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if status := c.Query("status"); status != "" {
		filtered := jobList[:0]
		for _, j := range jobList {
			if string(j.Status) == status {
				filtered = append(filtered, j)
			}
		}
		jobList = filtered
	}
	c.JSON(http.StatusOK, gin.H{"data": jobList, "count": len(jobList)})
}

func (h *APIHandler) handleGetJob(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid job id"})
		return
	}
	job, err := h.queue.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if job.UserID != uid {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// POST /api/v1/jobs/:id/cancel
// Requests cooperative cancellation. The worker observes it at its next
// checkpoint; terminal jobs return 409.
func (h *APIHandler) handleCancelJob(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid job id"})
		return
	}
	job, err := h.queue.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if job.UserID != uid {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err := h.queue.Cancel(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancel_requested", "jobId": id})
}

// POST /api/v1/resolve
// Runs one question through the tiered resolver.
func (h *APIHandler) handleResolve(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var req struct {
		Kind    string            `json:"kind" binding:"required"`
		Input   string            `json:"input" binding:"required"`
		Context map[string]string `json:"context"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	ans, err := h.resolver.Resolve(c.Request.Context(), resolver.Question{
		Kind:    models.QuestionKind(req.Kind),
		UserID:  uid,
		Input:   req.Input,
		Context: req.Context,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"value":        ans.Value,
		"tier":         ans.Tier,
		"confidence":   ans.Confidence,
		"costEstimate": ans.CostEstimate,
		"cacheHit":     ans.CacheHit,
	})
}

// POST /api/v1/resolve/confirm
// Records a user-verified answer: upserts the exact cache and seeds a
// verified embedding so future lookups stay in the cheap tiers. "tier" is
// the tier the answer came from (the /resolve response returns it); when
// omitted the answer is treated as LLM-sourced so the seed still lands.
func (h *APIHandler) handleConfirmResolution(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var req struct {
		Kind  string `json:"kind" binding:"required"`
		Input string `json:"input" binding:"required"`
		Value string `json:"value" binding:"required"`
		Tier  int    `json:"tier"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	tier := models.Tier(req.Tier)
	if tier == models.TierNone {
		tier = models.TierLarge
	}
	q := resolver.Question{
		Kind:   models.QuestionKind(req.Kind),
		UserID: uid,
		Input:  req.Input,
	}
	ans := &resolver.Answer{Value: req.Value, Confidence: 1.0, Tier: tier}
	if err := h.resolver.ConfirmAnswer(c.Request.Context(), q, ans); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "confirmed"})
}

// GET /api/v1/resolver/stats?since=2026-08-01
// Tier usage and spend, defaulting to the current month.
func (h *APIHandler) handleResolverStats(c *gin.Context) {
	if _, ok := userID(c); !ok {
		return
	}
	now := time.Now().UTC()
	since := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	if raw := c.Query("since"); raw != "" {
		parsed, err := parseDateQuery(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid since date, want YYYY-MM-DD"})
			return
		}
		since = parsed
	}
	stats, err := h.dbStore.ResolverStats(c.Request.Context(), since)
	if err != nil {
		respondError(c, err)
		return
	}
	var totalCost float64
	for _, st := range stats {
		totalCost += st.TotalCost
	}
	c.JSON(http.StatusOK, gin.H{
		"since":     since.Format("2006-01-02"),
		"tiers":     stats,
		"totalCost": totalCost,
	})
}
