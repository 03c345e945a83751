// Package webserver is the HTTP facade: job submission and status, credit
// balance and history, and the webhook receivers for generation providers
// and payment providers.
package webserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ReelForgeLabs/reelforge/internal/payments"
	"github.com/ReelForgeLabs/reelforge/internal/provider"
	"github.com/ReelForgeLabs/reelforge/pkg/billing"
	"github.com/ReelForgeLabs/reelforge/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server wires the HTTP routes to the domain services.
type Server struct {
	config     Config
	logger     *zap.Logger
	ledger     *ledger.Service
	jobs       *billing.Registry
	reconciler *billing.Reconciler
	providers  *provider.Registry
	payments   *payments.Registry
	capturer   *payments.Capturer
}

// New wires a Server.
func New(config Config, logger *zap.Logger, ledgerService *ledger.Service, jobs *billing.Registry, reconciler *billing.Reconciler, providers *provider.Registry, paymentProviders *payments.Registry, capturer *payments.Capturer) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		config:     config,
		logger:     logger,
		ledger:     ledgerService,
		jobs:       jobs,
		reconciler: reconciler,
		providers:  providers,
		payments:   paymentProviders,
		capturer:   capturer,
	}
}

// Run serves until the context is canceled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.config.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http listening", zap.String("addr", server.config.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Router builds the gin engine. Exposed for tests.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.config.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/webhooks/providers/:provider", server.handleProviderWebhook)
	router.POST("/webhooks/payments/:provider", server.handlePaymentWebhook)

	api := router.Group("/api/v1")
	api.Use(authMiddleware(server.config.JWTSigningKey, server.config.JWTIssuer))
	api.POST("/jobs", server.handleCreateJob)
	api.GET("/jobs/:id", server.handleGetJob)
	api.GET("/credits/balance", server.handleBalance)
	api.GET("/credits/history", server.handleHistory)

	return router
}

type createJobRequest struct {
	TaskType string `json:"task_type" binding:"required"`
	Prompt   string `json:"prompt"`
	ImageURL string `json:"image_url"`
	VideoURL string `json:"video_url"`
	Quality  string `json:"quality"`
}

func (server *Server) handleCreateJob(ctx *gin.Context) {
	userID, err := authenticatedUserID(ctx)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request createJobRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with task_type"))
		return
	}
	taskType, err := billing.ParseTaskType(request.TaskType)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_task_type", request.TaskType))
		return
	}
	providerName := providerForTask(taskType)
	providerClient, err := server.providers.Lookup(providerName)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("unknown_provider", providerName))
		return
	}
	cost, preCharged, err := priceTask(providerName, taskType, request.Quality)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_task", err.Error()))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.config.requestTimeout())
	defer cancel()

	job, err := server.jobs.Create(requestCtx, userID, providerName, taskType, cost, preCharged)
	if err != nil {
		server.logger.Error("job create failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("store_error", "job create failed"))
		return
	}

	if job.PreCharged {
		if err := server.debitPreCharge(requestCtx, job); err != nil {
			server.logger.Error("pre-charge debit failed", zap.String("job_id", job.JobID), zap.Error(err))
			ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "pre-charge failed"))
			return
		}
	}

	externalID, err := providerClient.Submit(requestCtx, provider.SubmitRequest{
		TaskType:    taskType,
		Prompt:      request.Prompt,
		ImageURL:    request.ImageURL,
		VideoURL:    request.VideoURL,
		Quality:     request.Quality,
		CallbackURL: server.callbackURL(providerName),
	})
	if err != nil {
		server.logger.Error("provider submit failed", zap.String("job_id", job.JobID), zap.Error(err))
		if job.PreCharged {
			if refundErr := server.refundPreCharge(requestCtx, job); refundErr != nil {
				server.logger.Error("pre-charge refund failed", zap.String("job_id", job.JobID), zap.Error(refundErr))
			}
		}
		ctx.JSON(http.StatusBadGateway, errorResponse("provider_error", "submission failed"))
		return
	}

	if err := server.jobs.Dispatch(requestCtx, job.JobID, externalID); err != nil {
		server.logger.Error("job dispatch failed", zap.String("job_id", job.JobID), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("store_error", "dispatch failed"))
		return
	}

	job, err = server.jobs.Get(requestCtx, job.JobID)
	if err != nil {
		ctx.JSON(http.StatusBadGateway, errorResponse("store_error", "job reload failed"))
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"job": jobPayloadFrom(job)})
}

func (server *Server) handleGetJob(ctx *gin.Context) {
	userID, err := authenticatedUserID(ctx)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.config.requestTimeout())
	defer cancel()

	job, err := server.jobs.Get(requestCtx, ctx.Param("id"))
	if err != nil {
		if errors.Is(err, billing.ErrJobNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse("not_found", "no such job"))
			return
		}
		ctx.JSON(http.StatusBadGateway, errorResponse("store_error", "job fetch failed"))
		return
	}
	if job.UserID != userID {
		// Existence of another user's job is not disclosed.
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "no such job"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"job": jobPayloadFrom(job)})
}

func (server *Server) handleBalance(ctx *gin.Context) {
	userID, err := authenticatedUserID(ctx)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	typedUserID, err := ledger.NewUserID(userID)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid subject"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.config.requestTimeout())
	defer cancel()

	balance, err := server.ledger.Balance(requestCtx, typedUserID)
	if err != nil {
		server.logger.Error("balance fetch failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "balance unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balance.Int64()})
}

func (server *Server) handleHistory(ctx *gin.Context) {
	userID, err := authenticatedUserID(ctx)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	typedUserID, err := ledger.NewUserID(userID)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid subject"))
		return
	}
	before := int64(0)
	if raw := ctx.Query("before"); raw != "" {
		if _, scanErr := fmt.Sscan(raw, &before); scanErr != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_before", raw))
			return
		}
	}
	limit := defaultHistoryLimit
	if raw := ctx.Query("limit"); raw != "" {
		if _, scanErr := fmt.Sscan(raw, &limit); scanErr != nil || limit <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", raw))
			return
		}
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.config.requestTimeout())
	defer cancel()

	entries, err := server.ledger.History(requestCtx, typedUserID, before, limit)
	if err != nil {
		server.logger.Error("history fetch failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "history unavailable"))
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryPayloadFrom(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

// handleProviderWebhook ingests a generation-provider callback. Terminal
// signals for already-terminal jobs are acknowledged with 200: the provider
// retries on anything else and the reconciler already holds the result.
func (server *Server) handleProviderWebhook(ctx *gin.Context) {
	providerClient, err := server.providers.Lookup(ctx.Param("provider"))
	if err != nil {
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_provider", ctx.Param("provider")))
		return
	}
	body, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	event, err := providerClient.ParseWebhook(body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "undecodable webhook"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.config.requestTimeout())
	defer cancel()

	ref, err := billing.ByExternalID(event.ExternalID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "missing task id"))
		return
	}

	switch event.Result.Status {
	case provider.StatusSucceeded:
		result, err := server.reconciler.Reconcile(requestCtx, ref, billing.OutcomeSuccess, billing.Settlement{
			DurationSeconds: event.Result.DurationSeconds,
			ResultURL:       event.Result.ResultURL,
		})
		server.respondReconcile(ctx, result, err)
	case provider.StatusFailed:
		result, err := server.reconciler.Reconcile(requestCtx, ref, billing.OutcomeFailure, billing.Settlement{
			ErrorCode:    event.Result.ErrorCode,
			ErrorMessage: event.Result.ErrorMessage,
		})
		server.respondReconcile(ctx, result, err)
	case provider.StatusRunning:
		job, err := server.jobs.Resolve(requestCtx, ref)
		if err != nil {
			server.respondResolve(ctx, err)
			return
		}
		if err := server.jobs.MarkRunning(requestCtx, job.JobID); err != nil {
			ctx.JSON(http.StatusBadGateway, errorResponse("store_error", "progress update failed"))
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
	default:
		ctx.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
	}
}

func (server *Server) respondReconcile(ctx *gin.Context, result billing.SettlementResult, err error) {
	if err != nil {
		if errors.Is(err, billing.ErrJobNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse("not_found", "no such job"))
			return
		}
		if errors.Is(err, billing.ErrInsufficientData) {
			// The webhook lacked the settlement data; the poller completes it.
			ctx.JSON(http.StatusOK, gin.H{"status": "deferred"})
			return
		}
		server.logger.Error("webhook reconcile failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("reconcile_error", "settlement failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"job_id":  result.JobID,
		"state":   result.State.String(),
		"applied": result.Applied,
	})
}

func (server *Server) respondResolve(ctx *gin.Context, err error) {
	if errors.Is(err, billing.ErrJobNotFound) {
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "no such job"))
		return
	}
	ctx.JSON(http.StatusBadGateway, errorResponse("store_error", "job fetch failed"))
}

// handlePaymentWebhook ingests a payment-provider notification. Redelivered
// captures are duplicates at the ledger and acknowledged as success.
func (server *Server) handlePaymentWebhook(ctx *gin.Context) {
	paymentProvider, err := server.payments.Lookup(ctx.Param("provider"))
	if err != nil {
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_provider", ctx.Param("provider")))
		return
	}
	body, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	event, err := paymentProvider.ParseWebhook(body)
	if err != nil {
		if errors.Is(err, payments.ErrIgnoredEvent) {
			ctx.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "undecodable webhook"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.config.requestTimeout())
	defer cancel()

	if err := server.capturer.Capture(requestCtx, event); err != nil {
		server.logger.Error("payment capture failed", zap.String("order_id", event.OrderID), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "capture failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (server *Server) debitPreCharge(ctx context.Context, job billing.Job) error {
	userID, err := ledger.NewUserID(job.UserID)
	if err != nil {
		return err
	}
	amount, err := ledger.NewPositiveCredits(job.PreChargeAmount)
	if err != nil {
		return err
	}
	reference, err := ledger.NewReference(billing.ReferenceKindJob, job.JobID)
	if err != nil {
		return err
	}
	key, err := ledger.NewIdempotencyKey(billing.SpendIdempotencyKey(job.JobID))
	if err != nil {
		return err
	}
	metadata, err := ledger.NewMetadataJSON("")
	if err != nil {
		return err
	}
	err = server.ledger.Debit(ctx, userID, amount, reference, key, metadata)
	if errors.Is(err, ledger.ErrDuplicateEntry) {
		return nil
	}
	return err
}

func (server *Server) refundPreCharge(ctx context.Context, job billing.Job) error {
	userID, err := ledger.NewUserID(job.UserID)
	if err != nil {
		return err
	}
	amount, err := ledger.NewPositiveCredits(job.PreChargeAmount)
	if err != nil {
		return err
	}
	reference, err := ledger.NewReference(billing.ReferenceKindJob, job.JobID)
	if err != nil {
		return err
	}
	key, err := ledger.NewIdempotencyKey(billing.RefundIdempotencyKey(job.JobID))
	if err != nil {
		return err
	}
	metadata, err := ledger.NewMetadataJSON("")
	if err != nil {
		return err
	}
	err = server.ledger.Refund(ctx, userID, amount, reference, key, metadata)
	if errors.Is(err, ledger.ErrDuplicateEntry) {
		return nil
	}
	return err
}

func (server *Server) callbackURL(providerName string) string {
	if server.config.CallbackBaseURL == "" {
		return ""
	}
	return server.config.CallbackBaseURL + "/webhooks/providers/" + providerName
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type jobPayload struct {
	JobID         string  `json:"job_id"`
	TaskType      string  `json:"task_type"`
	Provider      string  `json:"provider"`
	State         string  `json:"state"`
	Progress      float64 `json:"progress"`
	ResultURL     string  `json:"result_url,omitempty"`
	ErrorCode     string  `json:"error_code,omitempty"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	SettledAmount *int64  `json:"settled_amount,omitempty"`
	PreCharged    bool    `json:"pre_charged"`
	CreatedUnix   int64   `json:"created_unix_utc"`
	CompletedUnix int64   `json:"completed_unix_utc,omitempty"`
}

func jobPayloadFrom(job billing.Job) jobPayload {
	payload := jobPayload{
		JobID:         job.JobID,
		TaskType:      job.TaskType.String(),
		Provider:      job.Provider,
		State:         job.State.String(),
		Progress:      job.Progress,
		ResultURL:     job.ResultURL,
		ErrorCode:     job.ErrorCode,
		ErrorMessage:  job.ErrorMessage,
		PreCharged:    job.PreCharged,
		CreatedUnix:   job.CreatedUnixUTC,
		CompletedUnix: job.CompletedUnixUTC,
	}
	if job.HasSettledAmount {
		settled := job.SettledAmount
		payload.SettledAmount = &settled
	}
	return payload
}

type entryPayload struct {
	EntryID        string `json:"entry_id"`
	Kind           string `json:"kind"`
	Amount         int64  `json:"amount"`
	ReferenceKind  string `json:"reference_kind,omitempty"`
	ReferenceID    string `json:"reference_id,omitempty"`
	ExpiresUnix    int64  `json:"expires_at_unix_utc,omitempty"`
	Expired        bool   `json:"expired"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

func entryPayloadFrom(entry ledger.Entry) entryPayload {
	return entryPayload{
		EntryID:        entry.EntryID,
		Kind:           entry.Kind.String(),
		Amount:         entry.Amount.Int64(),
		ReferenceKind:  entry.ReferenceKind,
		ReferenceID:    entry.ReferenceID,
		ExpiresUnix:    entry.ExpiresAtUnixUTC,
		Expired:        entry.Expired,
		CreatedUnixUTC: entry.CreatedUnixUTC,
	}
}
