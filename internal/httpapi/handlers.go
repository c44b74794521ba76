package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"callpipeline/internal/auth"
	"callpipeline/internal/event"
	"callpipeline/internal/rbac"
	"callpipeline/internal/reporting"
	"callpipeline/internal/reprocess"
	"callpipeline/internal/subscription"
)

// Handlers groups the operator API handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Subs      *subscription.Manager
	Reprocess *reprocess.Service
	Reports   *reporting.Service
}

// --- Auth ---

type loginRequest struct {
	OperatorID string `json:"operator_id"`
	Role       string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.OperatorID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "operator_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.OperatorID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Subscriptions ---

type createSubscriptionRequest struct {
	Provider string `json:"provider"`
}

func (h Handlers) CreateSubscription(c *gin.Context) {
	if h.Subs == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "subscriptions not configured"})
		return
	}
	tenantID := c.Param("tenant")
	if tenantID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "tenant required"})
		return
	}
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	var provider event.Provider
	switch req.Provider {
	case string(event.ProviderA):
		provider = event.ProviderA
	case string(event.ProviderB):
		provider = event.ProviderB
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
		return
	}

	operatorID, _ := auth.OperatorID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())

	sub, err := h.Subs.Create(c.Request.Context(), tenantID, provider, operatorID, role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "subscription setup failed"})
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (h Handlers) DeleteSubscription(c *gin.Context) {
	if h.Subs == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "subscriptions not configured"})
		return
	}
	tenantID := c.Query("tenant")
	id := c.Param("id")
	if tenantID == "" || id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "tenant and id required"})
		return
	}
	operatorID, _ := auth.OperatorID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())

	if err := h.Subs.Delete(c.Request.Context(), tenantID, id, operatorID, role); err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown subscription"})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "subscription teardown failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) ListLines(c *gin.Context) {
	if h.Subs == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "subscriptions not configured"})
		return
	}
	tenantID := c.Param("tenant")
	if tenantID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "tenant required"})
		return
	}
	lines, err := h.Subs.ListLines(c.Request.Context(), tenantID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "line enumeration failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines})
}

// --- Reprocess ---

type replayTranscriptsRequest struct {
	TenantID  string    `json:"tenant_id"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Direction string    `json:"direction,omitempty"`

	// Commit defaults to false: a dry run that only reports the count.
	Commit bool `json:"commit"`
}

// ReplayTranscripts re-emits TranscriptReady for finalized calls in a
// window. RBAC: operator or super_admin.
func (h Handlers) ReplayTranscripts(c *gin.Context) {
	if h.Reprocess == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reprocess not configured"})
		return
	}
	var req replayTranscriptsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	operatorID, _ := auth.OperatorID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())

	res, err := h.Reprocess.ReplayTranscripts(c.Request.Context(), reprocess.Filter{
		TenantID:  req.TenantID,
		From:      req.From,
		To:        req.To,
		Direction: event.Direction(req.Direction),
	}, req.Commit, operatorID, role)
	if err != nil {
		if errors.Is(err, reprocess.ErrReplayInProgress) {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "replay already running for tenant"})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// --- Reporting ---

// reportRange parses the from/to query parameters (RFC 3339).
func reportRange(c *gin.Context) (reporting.TimeRange, bool) {
	from, err := time.Parse(time.RFC3339, c.Query("from"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
		return reporting.TimeRange{}, false
	}
	to, err := time.Parse(time.RFC3339, c.Query("to"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
		return reporting.TimeRange{}, false
	}
	return reporting.TimeRange{From: from, To: to}, true
}

func (h Handlers) CallsReport(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	rng, ok := reportRange(c)
	if !ok {
		return
	}
	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		TenantID:  c.Param("tenant"),
		Range:     rng,
		Direction: c.Query("direction"),
	})
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid report request"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "report failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) IngestionReport(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	rng, ok := reportRange(c)
	if !ok {
		return
	}
	out, err := h.Reports.IngestionSummary(c.Request.Context(), reporting.IngestionSummaryRequest{
		TenantID: c.Param("tenant"),
		Range:    rng,
	})
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid report request"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "report failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

// RequireOperator bundles the role check for mutating endpoints.
func RequireOperator() gin.HandlerFunc {
	return rbac.RequireAnyRole(rbac.RoleOperator)
}

// RequireReadAccess allows analysts in addition to operators.
func RequireReadAccess() gin.HandlerFunc {
	return rbac.RequireAnyRole(rbac.RoleOperator, rbac.RoleAnalyst)
}
