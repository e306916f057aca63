package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/points/internal/cache"
	"github.com/MarkoPoloResearchLab/points/pkg/points"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Server exposes the ledger engine over HTTP.
type Server struct {
	logger       *zap.Logger
	service      *points.Service
	balanceCache *cache.BalanceCache
	cfg          Config
}

// New wires a Server. The balance cache is optional; pass nil to read every
// balance from the store.
func New(logger *zap.Logger, service *points.Service, balanceCache *cache.BalanceCache, cfg Config) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if service == nil {
		return nil, fmt.Errorf("service is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{
		logger:       logger,
		service:      service,
		balanceCache: balanceCache,
		cfg:          cfg,
	}, nil
}

// Run serves the API until the context is cancelled.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("points api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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

// Router assembles the gin engine.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	if server.cfg.SessionSigningKey != "" {
		api.Use(server.sessionMiddleware())
	}

	accounts := api.Group("/accounts/:account_id")
	accounts.GET("/balance", server.handleGetBalance)
	accounts.GET("/history", server.handleListHistory)
	accounts.GET("/history/count", server.handleCountHistory)
	accounts.GET("/audit", server.handleAudit)
	accounts.POST("/earn", server.handleEarn)
	accounts.POST("/use", server.handleUse)

	return router
}

func (server *Server) sessionMiddleware() gin.HandlerFunc {
	signingKey := []byte(server.cfg.SessionSigningKey)
	return func(ctx *gin.Context) {
		rawToken := bearerToken(ctx.GetHeader("Authorization"))
		if rawToken == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session token"))
			return
		}
		token, err := jwt.Parse(rawToken,
			func(*jwt.Token) (any, error) { return signingKey, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(server.cfg.SessionIssuer),
		)
		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session token"))
			return
		}
		ctx.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

type earnRequest struct {
	Amount           int64           `json:"amount"`
	Description      string          `json:"description"`
	Metadata         json.RawMessage `json:"metadata"`
	ExpiresAtUnixUTC int64           `json:"expires_at_unix_utc"`
}

type useRequest struct {
	Amount      int64           `json:"amount"`
	Description string          `json:"description"`
	Metadata    json.RawMessage `json:"metadata"`
}

type balancePayload struct {
	AccountID          string `json:"account_id"`
	Balance            int64  `json:"balance"`
	LastUpdatedUnixUTC int64  `json:"last_updated_unix_utc"`
}

type entryPayload struct {
	EntryID          int64           `json:"entry_id"`
	Kind             string          `json:"kind"`
	Amount           int64           `json:"amount"`
	SignedAmount     int64           `json:"signed_amount"`
	Description      string          `json:"description"`
	Metadata         json.RawMessage `json:"metadata"`
	ExpiresAtUnixUTC int64           `json:"expires_at_unix_utc"`
	CreatedUnixUTC   int64           `json:"created_unix_utc"`
}

func (server *Server) handleGetBalance(ctx *gin.Context) {
	accountID, ok := server.bindAccountID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	if server.balanceCache != nil {
		cached, found, cacheErr := server.balanceCache.Get(requestCtx, accountID)
		if cacheErr != nil {
			server.logger.Warn("balance cache read failed", zap.Error(cacheErr))
		}
		if found {
			ctx.JSON(http.StatusOK, gin.H{"balance": mapBalance(cached)})
			return
		}
	}

	balance, err := server.service.GetBalance(requestCtx, accountID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	if server.balanceCache != nil {
		if cacheErr := server.balanceCache.Set(requestCtx, balance); cacheErr != nil {
			server.logger.Warn("balance cache write failed", zap.Error(cacheErr))
		}
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": mapBalance(balance)})
}

func (server *Server) handleListHistory(ctx *gin.Context) {
	accountID, ok := server.bindAccountID(ctx)
	if !ok {
		return
	}
	page, pageSize, ok := server.bindPagination(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	entries, err := server.service.ListHistory(requestCtx, accountID, page, pageSize)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, mapEntry(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{
		"entries":   payload,
		"page":      page,
		"page_size": pageSize,
	})
}

func (server *Server) handleCountHistory(ctx *gin.Context) {
	accountID, ok := server.bindAccountID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	count, err := server.service.CountHistory(requestCtx, accountID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"count": count})
}

func (server *Server) handleAudit(ctx *gin.Context) {
	accountID, ok := server.bindAccountID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	report, err := server.service.CheckConsistency(requestCtx, accountID)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"account_id":  report.AccountID.String(),
		"balance":     report.Balance,
		"history_sum": report.HistorySum,
		"consistent":  report.Consistent,
	})
}

func (server *Server) handleEarn(ctx *gin.Context) {
	accountID, ok := server.bindAccountID(ctx)
	if !ok {
		return
	}
	var request earnRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	metadata, err := points.NewMetadataJSON(string(request.Metadata))
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	balance, err := server.service.Earn(requestCtx, accountID, request.Amount, request.Description, request.ExpiresAtUnixUTC, metadata)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	server.invalidateBalance(requestCtx, accountID)
	ctx.JSON(http.StatusOK, gin.H{"balance": mapBalance(balance)})
}

func (server *Server) handleUse(ctx *gin.Context) {
	accountID, ok := server.bindAccountID(ctx)
	if !ok {
		return
	}
	var request useRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	metadata, err := points.NewMetadataJSON(string(request.Metadata))
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	balance, err := server.service.Use(requestCtx, accountID, request.Amount, request.Description, metadata)
	if err != nil {
		server.writeError(ctx, err)
		return
	}
	server.invalidateBalance(requestCtx, accountID)
	ctx.JSON(http.StatusOK, gin.H{"balance": mapBalance(balance)})
}

func (server *Server) invalidateBalance(ctx context.Context, accountID points.AccountID) {
	if server.balanceCache == nil {
		return
	}
	if err := server.balanceCache.Invalidate(ctx, accountID); err != nil {
		server.logger.Warn("balance cache invalidation failed", zap.Error(err))
	}
}

func (server *Server) bindAccountID(ctx *gin.Context) (points.AccountID, bool) {
	accountID, err := points.NewAccountID(ctx.Param("account_id"))
	if err != nil {
		server.writeError(ctx, err)
		return points.AccountID{}, false
	}
	return accountID, true
}

func (server *Server) bindPagination(ctx *gin.Context) (int, int, bool) {
	page, ok := server.bindPositiveQuery(ctx, "page", 1)
	if !ok {
		return 0, 0, false
	}
	pageSize, ok := server.bindPositiveQuery(ctx, "page_size", defaultPageSize)
	if !ok {
		return 0, 0, false
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize, true
}

func (server *Server) bindPositiveQuery(ctx *gin.Context, name string, fallback int) (int, bool) {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_"+name, name+" must be a positive integer"))
		return 0, false
	}
	return value, true
}

func (server *Server) writeError(ctx *gin.Context, err error) {
	status, code := statusForError(err)
	if status == http.StatusInternalServerError {
		server.logger.Error("request failed", zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, points.ErrInvalidAccountID):
		return http.StatusBadRequest, "invalid_account_id"
	case errors.Is(err, points.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, points.ErrInvalidExpiry):
		return http.StatusBadRequest, "invalid_expiry"
	case errors.Is(err, points.ErrInvalidMetadataJSON):
		return http.StatusBadRequest, "invalid_metadata"
	case errors.Is(err, points.ErrInvalidPage):
		return http.StatusBadRequest, "invalid_page"
	case errors.Is(err, points.ErrInvalidPageSize):
		return http.StatusBadRequest, "invalid_page_size"
	case errors.Is(err, points.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, points.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, points.ErrTransientConflict):
		return http.StatusServiceUnavailable, "transient_conflict"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func mapBalance(balance points.AccountBalance) balancePayload {
	return balancePayload{
		AccountID:          balance.AccountID.String(),
		Balance:            balance.Balance,
		LastUpdatedUnixUTC: balance.LastUpdatedUnixUTC,
	}
}

func mapEntry(entry points.Entry) entryPayload {
	return entryPayload{
		EntryID:          entry.EntryID,
		Kind:             entry.Kind.String(),
		Amount:           entry.Amount,
		SignedAmount:     entry.SignedAmount(),
		Description:      entry.Description,
		Metadata:         json.RawMessage(entry.MetadataJSON.String()),
		ExpiresAtUnixUTC: entry.ExpiresAtUnixUTC,
		CreatedUnixUTC:   entry.CreatedUnixUTC,
	}
}
