package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tutorsync/internal/auth"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/client"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/docstore"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/ledger"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/materials"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/syncqueue"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "tutorsync_user_id"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingValidator    = errors.New("session validator dependency required")
	errMissingLedger       = errors.New("ledger service dependency required")
	errMissingSessions     = errors.New("session provider dependency required")
	errMissingMaterials    = errors.New("material cache dependency required")
	errMissingConnectivity = errors.New("connectivity monitor dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type SessionProvider interface {
	Session(userID string) (*client.Session, error)
}

type ConnectivityMonitor interface {
	Current() connectivity.State
	Subscribe(ctx context.Context) (<-chan connectivity.State, func())
	Report(signal connectivity.Signal)
}

type Dependencies struct {
	Validator         SessionValidator
	Ledger            *ledger.Service
	Sessions          SessionProvider
	Materials         *materials.Cache
	Connectivity      ConnectivityMonitor
	Realtime          *RealtimeDispatcher
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Ledger == nil {
		return nil, errMissingLedger
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Materials == nil {
		return nil, errMissingMaterials
	}
	if deps.Connectivity == nil {
		return nil, errMissingConnectivity
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if len(deps.AllowedOrigins) > 0 {
		router.Use(corsMiddleware(deps.AllowedOrigins))
	}

	handler := &httpHandler{
		validator:    deps.Validator,
		ledger:       deps.Ledger,
		sessions:     deps.Sessions,
		materials:    deps.Materials,
		connectivity: deps.Connectivity,
		realtime:     realtime,
		heartbeat:    heartbeat,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/connectivity", handler.handleConnectivity)
	protected.POST("/connectivity", handler.handleConnectivityReport)
	protected.GET("/events", handler.handleEvents)

	protected.POST("/offers", handler.handleCreateOffer)
	protected.GET("/offers/:id", handler.handleGetOffer)
	protected.GET("/offers/:id/watch", handler.handleWatchOffer)
	protected.POST("/offers/:id/reservations", handler.handleReserveSeat)
	protected.GET("/reservations/:id", handler.handleGetReservation)
	protected.POST("/reservations/:id/status", handler.handleSetReservationStatus)

	protected.GET("/queue", handler.handleListQueue)
	protected.POST("/queue", handler.handleDispatch)
	protected.POST("/queue/drain", handler.handleDrain)

	protected.GET("/materials", handler.handleListMaterials)
	protected.POST("/materials/download", handler.handleDownloadMaterial)
	protected.POST("/materials/open", handler.handleOpenMaterial)
	protected.POST("/materials/viewed", handler.handleMarkViewed)
	protected.POST("/materials/unseen", handler.handleUnseen)
	protected.DELETE("/materials/:id", handler.handleRemoveMaterial)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	validator    SessionValidator
	ledger       *ledger.Service
	sessions     SessionProvider
	materials    *materials.Cache
	connectivity ConnectivityMonitor
	realtime     *RealtimeDispatcher
	heartbeat    time.Duration
	logger       *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "offline": h.connectivity.Current().IsOffline})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

type connectivityReportPayload struct {
	IsConnected         bool  `json:"isConnected"`
	IsInternetReachable *bool `json:"isInternetReachable"`
}

func (h *httpHandler) handleConnectivity(c *gin.Context) {
	c.JSON(http.StatusOK, h.connectivity.Current())
}

func (h *httpHandler) handleConnectivityReport(c *gin.Context) {
	var request connectivityReportPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.connectivity.Report(connectivity.Signal{
		IsConnected:         request.IsConnected,
		IsInternetReachable: request.IsInternetReachable,
	})
	c.JSON(http.StatusAccepted, h.connectivity.Current())
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()
	states, stopStates := h.connectivity.Subscribe(ctx)
	defer stopStates()
	messages, stopMessages := h.realtime.Subscribe(ctx, userID)
	defer stopMessages()
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case state, ok := <-states:
			if !ok {
				return false
			}
			c.SSEvent(RealtimeEventConnectivity, state)
		case message, ok := <-messages:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, gin.H{
				"payload":   message.Payload,
				"timestamp": message.Timestamp.UnixMilli(),
				"source":    realtimeSourceDaemon,
			})
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceDaemon})
		}
		return true
	})
}

type reservePayload struct {
	Slot string `json:"slot"`
}

type statusPayload struct {
	Status string `json:"status"`
}

type offerResponsePayload struct {
	Offer     ledger.Offer `json:"offer"`
	Available bool         `json:"available"`
}

type statusResponsePayload struct {
	Reservation ledger.Reservation `json:"reservation"`
	Offer       ledger.Offer       `json:"offer"`
	Changed     bool               `json:"changed"`
}

func (h *httpHandler) handleCreateOffer(c *gin.Context) {
	var request ledger.OfferInput
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	request.TeacherID = c.GetString(userIDContextKey)
	offer, err := h.ledger.CreateOffer(c.Request.Context(), request)
	if err != nil {
		h.writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusCreated, offerResponsePayload{Offer: offer, Available: ledger.AvailabilityHint(offer)})
}

func (h *httpHandler) handleGetOffer(c *gin.Context) {
	offer, err := h.ledger.GetOffer(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, offerResponsePayload{Offer: offer, Available: ledger.AvailabilityHint(offer)})
}

func (h *httpHandler) handleWatchOffer(c *gin.Context) {
	ctx := c.Request.Context()
	snapshots, stop := h.ledger.WatchOffer(ctx, c.Param("id"))
	defer stop()

	c.Header("Cache-Control", "no-cache")
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case snapshot, ok := <-snapshots:
			if !ok {
				return false
			}
			c.SSEvent("offer", gin.H{
				"offer":     snapshot.Offer,
				"exists":    snapshot.Exists,
				"fromCache": snapshot.FromCache,
				"available": snapshot.Exists && ledger.AvailabilityHint(snapshot.Offer),
			})
			return true
		}
	})
}

func (h *httpHandler) handleReserveSeat(c *gin.Context) {
	var request reservePayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	reservation, err := h.ledger.ReserveSeat(c.Request.Context(), c.Param("id"), c.GetString(userIDContextKey), request.Slot)
	if err != nil {
		h.writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusCreated, reservation)
}

func (h *httpHandler) handleGetReservation(c *gin.Context) {
	reservation, err := h.ledger.GetReservation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeLedgerError(c, err)
		return
	}
	if !participates(reservation, c.GetString(userIDContextKey)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.JSON(http.StatusOK, reservation)
}

func (h *httpHandler) handleSetReservationStatus(c *gin.Context) {
	var request statusPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	next, err := ledger.ParseReservationStatus(request.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
		return
	}
	ctx := c.Request.Context()
	reservation, err := h.ledger.GetReservation(ctx, c.Param("id"))
	if err != nil {
		h.writeLedgerError(c, err)
		return
	}
	if !mayChangeStatus(reservation, c.GetString(userIDContextKey), next) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	change, err := h.ledger.SetReservationStatus(ctx, reservation.ID, next)
	if err != nil {
		h.writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponsePayload{Reservation: change.Reservation, Offer: change.Offer, Changed: change.Changed})
}

func participates(reservation ledger.Reservation, userID string) bool {
	return userID != "" && (reservation.StudentID == userID || reservation.TeacherID == userID)
}

// mayChangeStatus lets only the offer's teacher confirm or reject. Either participant may cancel.
func mayChangeStatus(reservation ledger.Reservation, userID string, next ledger.ReservationStatus) bool {
	switch next {
	case ledger.StatusConfirmed, ledger.StatusRejected:
		return userID != "" && reservation.TeacherID == userID
	default:
		return participates(reservation, userID)
	}
}

func (h *httpHandler) writeLedgerError(c *gin.Context, err error) {
	code := "ledger_failed"
	var serviceErr *ledger.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrOfferNotFound), errors.Is(err, ledger.ErrReservationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrCapacityExceeded),
		errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, docstore.ErrTransactionConflict):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrReservationWriteFailed):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("ledger request failed", zap.String("code", code), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

type dispatchPayload struct {
	ActionKey string          `json:"actionKey"`
	Payload   json.RawMessage `json:"payload"`
}

type dispatchResponsePayload struct {
	Status syncqueue.DispatchStatus `json:"status"`
	Entry  syncqueue.QueueEntry     `json:"entry"`
	Error  string                   `json:"error,omitempty"`
}

type drainResponsePayload struct {
	Executed []syncqueue.QueueEntry `json:"executed"`
	Pending  []syncqueue.QueueEntry `json:"pending"`
}

func (h *httpHandler) session(c *gin.Context) (*client.Session, bool) {
	session, err := h.sessions.Session(c.GetString(userIDContextKey))
	if err != nil {
		h.logger.Error("session unavailable", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_unavailable"})
		return nil, false
	}
	return session, true
}

func (h *httpHandler) handleListQueue(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	entries, err := session.Engine.Pending(c.Request.Context())
	if err != nil {
		h.logger.Error("queue read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *httpHandler) handleDispatch(c *gin.Context) {
	var request dispatchPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ActionKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	session, ok := h.session(c)
	if !ok {
		return
	}
	var payload any
	if len(request.Payload) > 0 {
		payload = request.Payload
	}
	outcome, err := session.Engine.Dispatch(c.Request.Context(), request.ActionKey, payload)
	if err != nil {
		h.logger.Error("dispatch failed", zap.String("action_key", request.ActionKey), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dispatch_failed"})
		return
	}
	response := dispatchResponsePayload{Status: outcome.Status, Entry: outcome.Entry}
	status := http.StatusOK
	if outcome.Status == syncqueue.DispatchQueued {
		status = http.StatusAccepted
		h.publishQueueChange(c, session)
	}
	if outcome.Err != nil {
		response.Error = outcome.Err.Error()
	}
	c.JSON(status, response)
}

func (h *httpHandler) handleDrain(c *gin.Context) {
	if h.connectivity.Current().IsOffline {
		c.JSON(http.StatusConflict, gin.H{"error": "offline"})
		return
	}
	session, ok := h.session(c)
	if !ok {
		return
	}
	result := session.Engine.DrainRegistered(c.Request.Context())
	h.publishQueueChange(c, session)
	c.JSON(http.StatusOK, drainResponsePayload{Executed: result.Executed, Pending: result.Pending})
}

func (h *httpHandler) publishQueueChange(c *gin.Context, session *client.Session) {
	entries, err := session.Engine.Pending(c.Request.Context())
	if err != nil {
		return
	}
	h.realtime.Publish(RealtimeMessage{
		UserID:    session.UserID,
		EventType: RealtimeEventQueueChanged,
		Payload:   gin.H{"pending": len(entries)},
	})
}

type materialPayload struct {
	Material materials.Material `json:"material"`
}

func (h *httpHandler) bindMaterial(c *gin.Context) (materials.Material, bool) {
	var request materialPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return materials.Material{}, false
	}
	return request.Material, true
}

func (h *httpHandler) handleListMaterials(c *gin.Context) {
	entries, err := h.materials.List(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.writeMaterialError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *httpHandler) handleDownloadMaterial(c *gin.Context) {
	material, ok := h.bindMaterial(c)
	if !ok {
		return
	}
	userID := c.GetString(userIDContextKey)
	outcome, err := h.materials.Download(c.Request.Context(), userID, material)
	if err != nil {
		h.writeMaterialError(c, err)
		return
	}
	status := http.StatusOK
	if outcome.Status == materials.DownloadQueued {
		status = http.StatusAccepted
	} else {
		h.realtime.Publish(RealtimeMessage{UserID: userID, EventType: RealtimeEventMaterialChanged, Payload: outcome.Entry})
	}
	c.JSON(status, outcome)
}

func (h *httpHandler) handleOpenMaterial(c *gin.Context) {
	material, ok := h.bindMaterial(c)
	if !ok {
		return
	}
	result, err := h.materials.Open(c.Request.Context(), c.GetString(userIDContextKey), material)
	if err != nil {
		h.writeMaterialError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleMarkViewed(c *gin.Context) {
	material, ok := h.bindMaterial(c)
	if !ok {
		return
	}
	if err := h.materials.MarkViewed(c.Request.Context(), c.GetString(userIDContextKey), material); err != nil {
		h.writeMaterialError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUnseen(c *gin.Context) {
	material, ok := h.bindMaterial(c)
	if !ok {
		return
	}
	unseen, err := h.materials.HasUnseenUpdate(c.Request.Context(), c.GetString(userIDContextKey), material)
	if err != nil {
		h.writeMaterialError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unseen": unseen})
}

func (h *httpHandler) handleRemoveMaterial(c *gin.Context) {
	if err := h.materials.Remove(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id")); err != nil {
		h.writeMaterialError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) writeMaterialError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, materials.ErrInvalidMaterial), errors.Is(err, materials.ErrInvalidUserID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_material"})
	case errors.Is(err, materials.ErrMaterialUnavailableOffline):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "material_unavailable_offline"})
	default:
		h.logger.Error("material request failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "material_fetch_failed"})
	}
}
