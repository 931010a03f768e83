package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/magnet/backend/internal/referral"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const accountIDContextKey = "magnet_account_id"

var (
	errMissingReferralService = errors.New("referral service dependency required")
	errMissingTokenValidator  = errors.New("token validator dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// TokenValidator checks a bearer token and returns the account id it was issued for.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP layer to the core services.
type Dependencies struct {
	Referral *referral.Service
	Tokens   TokenValidator
	Logger   *zap.Logger
}

// NewHTTPHandler builds the gin router. Public endpoints cover lead capture and click
// tracking; everything else requires a bearer token.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Referral == nil {
		return nil, errMissingReferralService
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		referral:    deps.Referral,
		tokens:      deps.Tokens,
		logger:      logger,
		submissions: newIdempotencyCache(),
	}

	router.POST("/leads/submit", handler.handleSubmitLead)
	router.POST("/invites/track-click", handler.handleTrackClick)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/leads/my-leads", handler.handleMyLeads)
	protected.GET("/leads", handler.handleListLeads)
	protected.PUT("/leads/:id/status", handler.handleUpdateLeadStatus)
	protected.GET("/me/stats", handler.handleMyStats)
	protected.GET("/pages/:slug/analytics", handler.handlePageAnalytics)
	protected.GET("/invites/:id/tree", handler.handleReferralTree)
	protected.POST("/invites", handler.handleCreateInvite)
	protected.PUT("/invites/:id", handler.handleUpdateInvite)
	protected.DELETE("/invites/:id", handler.handleDeleteInvite)

	return router, nil
}

type httpHandler struct {
	referral    *referral.Service
	tokens      TokenValidator
	logger      *zap.Logger
	submissions *idempotencyCache
}

type submitLeadPayload struct {
	PageSlug    string `json:"page_slug"`
	Ref         string `json:"ref"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	UTMSource   string `json:"utm_source"`
	UTMMedium   string `json:"utm_medium"`
	UTMCampaign string `json:"utm_campaign"`
}

type submitLeadResponse struct {
	LeadID         uint   `json:"lead_id"`
	AccountID      string `json:"account_id"`
	AccountCreated bool   `json:"account_created"`
	Handle         string `json:"handle"`
	MyLink         string `json:"my_link"`
	RedirectTo     string `json:"redirect_to"`
}

func (h *httpHandler) handleSubmitLead(c *gin.Context) {
	var payload submitLeadPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if strings.TrimSpace(payload.PageSlug) == "" || strings.TrimSpace(payload.Ref) == "" ||
		strings.TrimSpace(payload.Name) == "" || strings.TrimSpace(payload.Email) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	// Replay protection is best-effort and per-process; the core itself stays
	// at-least-once, so retried submissions without a key create a second lead.
	idempotencyKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if idempotencyKey != "" {
		if stored, ok := h.submissions.lookup(idempotencyKey); ok {
			c.Data(stored.status, "application/json; charset=utf-8", stored.body)
			return
		}
	}

	result, err := h.referral.SubmitLead(c.Request.Context(), referral.SubmitLeadRequest{
		PageSlug:       payload.PageSlug,
		ReferrerHandle: payload.Ref,
		Name:           payload.Name,
		Email:          payload.Email,
		Phone:          payload.Phone,
		UTMSource:      payload.UTMSource,
		UTMMedium:      payload.UTMMedium,
		UTMCampaign:    payload.UTMCampaign,
		IPAddress:      c.ClientIP(),
		UserAgent:      c.Request.UserAgent(),
	})
	if err != nil {
		h.logger.Warn("lead submission failed", zap.Error(err))
		h.respondError(c, err)
		return
	}

	response := submitLeadResponse{
		LeadID:         result.Lead.ID,
		AccountID:      result.Account.ID,
		AccountCreated: result.AccountCreated,
		Handle:         result.SubmitterInvite.Handle,
		MyLink:         result.PersonalizedLink,
		RedirectTo:     result.RedirectURL,
	}

	if idempotencyKey != "" {
		body, marshalErr := h.submissions.store(idempotencyKey, http.StatusCreated, response)
		if marshalErr == nil {
			c.Data(http.StatusCreated, "application/json; charset=utf-8", body)
			return
		}
	}
	c.JSON(http.StatusCreated, response)
}

type trackClickPayload struct {
	PageSlug string `json:"page_slug"`
	Ref      string `json:"ref"`
}

func (h *httpHandler) handleTrackClick(c *gin.Context) {
	var payload trackClickPayload
	if err := c.ShouldBindJSON(&payload); err != nil ||
		strings.TrimSpace(payload.PageSlug) == "" || strings.TrimSpace(payload.Ref) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.referral.TrackClickByHandle(c.Request.Context(), payload.PageSlug, payload.Ref); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tracked": true})
}

func (h *httpHandler) handleMyLeads(c *gin.Context) {
	accountID := c.GetString(accountIDContextKey)
	leads, err := h.referral.UserLeads(c.Request.Context(), accountID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	stats, err := h.referral.UserStats(c.Request.Context(), accountID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leads": leads, "stats": stats})
}

func (h *httpHandler) handleListLeads(c *gin.Context) {
	filters := referral.LeadFilters{Search: c.Query("search")}
	if rawStatus := c.Query("status"); rawStatus != "" {
		status, err := referral.ParseLeadStatus(rawStatus)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
			return
		}
		filters.Status = &status
	}
	if rawPageID := c.Query("page_id"); rawPageID != "" {
		pageID, err := strconv.ParseUint(rawPageID, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page_id"})
			return
		}
		id := uint(pageID)
		filters.PageID = &id
	}
	if from, ok := parseDateQuery(c, "date_from"); ok {
		filters.From = from
	} else {
		return
	}
	if to, ok := parseDateQuery(c, "date_to"); ok {
		filters.To = to
	} else {
		return
	}

	leads, err := h.referral.Leads(c.Request.Context(), filters)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leads": leads})
}

type updateLeadStatusPayload struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

func (h *httpHandler) handleUpdateLeadStatus(c *gin.Context) {
	leadID, ok := parseIDParam(c)
	if !ok {
		return
	}
	var payload updateLeadStatusPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	status, err := referral.ParseLeadStatus(payload.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
		return
	}

	lead, err := h.referral.UpdateLeadStatus(c.Request.Context(), leadID, status, payload.Notes)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lead": lead})
}

func (h *httpHandler) handleMyStats(c *gin.Context) {
	stats, err := h.referral.UserStats(c.Request.Context(), c.GetString(accountIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func (h *httpHandler) handlePageAnalytics(c *gin.Context) {
	window := referral.DateRange{}
	if from, ok := parseDateQuery(c, "date_from"); ok {
		window.From = from
	} else {
		return
	}
	if to, ok := parseDateQuery(c, "date_to"); ok {
		window.To = to
	} else {
		return
	}

	analytics, err := h.referral.PageAnalyticsBySlug(c.Request.Context(), c.Param("slug"), window)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"analytics": analytics})
}

type treeNodePayload struct {
	InviteID uint   `json:"invite_id"`
	Handle   string `json:"handle"`
	UserID   string `json:"user_id"`
	Depth    int    `json:"depth"`
}

func (h *httpHandler) handleReferralTree(c *gin.Context) {
	inviteID, ok := parseIDParam(c)
	if !ok {
		return
	}
	tree, err := h.referral.ReferralTree(c.Request.Context(), inviteID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"invite":   tree.Invite,
		"upline":   treeNodes(tree.Upline),
		"downline": treeNodes(tree.Downline),
	})
}

func treeNodes(entries []referral.InviteDepth) []treeNodePayload {
	nodes := make([]treeNodePayload, 0, len(entries))
	for _, entry := range entries {
		nodes = append(nodes, treeNodePayload{
			InviteID: entry.Invite.ID,
			Handle:   entry.Invite.Handle,
			UserID:   entry.Invite.UserID,
			Depth:    entry.Depth,
		})
	}
	return nodes
}

type createInvitePayload struct {
	PageID  uint   `json:"page_id"`
	Handle  string `json:"handle"`
	JoinURL string `json:"join_url"`
}

func (h *httpHandler) handleCreateInvite(c *gin.Context) {
	var payload createInvitePayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.PageID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	invite, err := h.referral.CreateInvite(c.Request.Context(), referral.CreateInviteRequest{
		PageID:  payload.PageID,
		UserID:  c.GetString(accountIDContextKey),
		Handle:  payload.Handle,
		JoinURL: payload.JoinURL,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"invite": invite})
}

type updateInvitePayload struct {
	Handle   *string `json:"handle"`
	JoinURL  *string `json:"join_url"`
	IsActive *bool   `json:"is_active"`
}

func (h *httpHandler) handleUpdateInvite(c *gin.Context) {
	inviteID, ok := parseIDParam(c)
	if !ok {
		return
	}
	var payload updateInvitePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	invite, err := h.referral.UpdateInvite(c.Request.Context(), inviteID, referral.UpdateInviteRequest{
		Handle:   payload.Handle,
		JoinURL:  payload.JoinURL,
		IsActive: payload.IsActive,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invite": invite})
}

func (h *httpHandler) handleDeleteInvite(c *gin.Context) {
	inviteID, ok := parseIDParam(c)
	if !ok {
		return
	}
	if err := h.referral.DeleteInvite(c.Request.Context(), inviteID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	accountID, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(accountIDContextKey, accountID)
	c.Next()
}

// respondError maps the core error taxonomy onto HTTP statuses.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, referral.ErrPageNotFound),
		errors.Is(err, referral.ErrInviteNotFound),
		errors.Is(err, referral.ErrLeadNotFound),
		errors.Is(err, referral.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, referral.ErrDuplicateHandle):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "duplicate_handle"})
	case errors.Is(err, referral.ErrInvalidTransition):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_transition"})
	case errors.Is(err, referral.ErrInviteHasDescendants):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invite_has_descendants"})
	case errors.Is(err, referral.ErrTransactionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func parseIDParam(c *gin.Context) (uint, bool) {
	raw := c.Param("id")
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || value == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return uint(value), true
}

// parseDateQuery reads an optional YYYY-MM-DD query parameter. The second return
// value is false when the parameter was present but malformed, in which case a 400
// has already been written.
func parseDateQuery(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_" + name})
		return nil, false
	}
	return &parsed, true
}
