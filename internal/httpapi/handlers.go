package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"callsignal/internal/auth"
	"callsignal/internal/calls"
	"callsignal/internal/directory"
	"callsignal/internal/history"
	"callsignal/internal/lifecycle"
	"callsignal/internal/reporting"
	"callsignal/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Calls     *lifecycle.Service
	History   *history.Recorder
	Reports   *reporting.Service
	Directory directory.Directory

	// AllowedOrigins gates WebSocket upgrades; "*" allows any origin.
	AllowedOrigins []string
	Now            func() time.Time
}

const defaultSummaryWindow = 30 * 24 * time.Hour

// Register mounts the call API on an authenticated group.
func Register(v1 *gin.RouterGroup, h Handlers) {
	c := v1.Group("/calls")
	{
		c.POST("", h.CreateCall)
		c.GET("/incoming", h.IncomingEvents)
		c.GET("/:id", h.GetCall)
		c.POST("/:id/accept", h.AcceptCall)
		c.POST("/:id/reject", h.RejectCall)
		c.POST("/:id/end", h.EndCall)
		c.POST("/:id/candidates", h.AppendCandidate)
		c.POST("/:id/heartbeat", h.Heartbeat)
		c.GET("/:id/events", h.CallEvents)
	}

	v1.GET("/history", h.ListHistory)
	v1.GET("/history/summary", h.HistorySummary)
	v1.GET("/users/:id", h.GetUser)
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// DevLogin issues a token pair for any user known to the directory.
//
// NOTE: there is no credential check; it is only mounted outside production.
func (h Handlers) DevLogin(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}
	if h.Directory != nil {
		if _, err := h.Directory.Lookup(c.Request.Context(), req.UserID); err != nil {
			writeError(c, err)
			return
		}
	}
	pair, err := h.Auth.IssuePair(h.now(), req.UserID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Calls ---

type sdpBody struct {
	SDP string `json:"sdp" binding:"required"`
}

type createCallRequest struct {
	ReceiverID string     `json:"receiverId" binding:"required"`
	Kind       calls.Kind `json:"kind" binding:"required,oneof=video audio"`
	Offer      sdpBody    `json:"offer"`
}

func (h Handlers) CreateCall(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if h.Directory != nil {
		if _, err := h.Directory.Lookup(c.Request.Context(), req.ReceiverID); err != nil {
			writeError(c, err)
			return
		}
	}

	rec, err := h.Calls.Create(c.Request.Context(), uid, req.ReceiverID, req.Kind, calls.NewOffer(req.Offer.SDP))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h Handlers) GetCall(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	rec, err := h.Calls.Get(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type acceptRequest struct {
	Answer sdpBody `json:"answer"`
}

func (h Handlers) AcceptCall(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req acceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rec, err := h.Calls.Accept(c.Request.Context(), c.Param("id"), uid, calls.NewAnswer(req.Answer.SDP))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type rejectRequest struct {
	Reason calls.Cause `json:"reason" binding:"omitempty,oneof=rejected media_access"`
}

func (h Handlers) RejectCall(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req rejectRequest
	if !bindOptional(c, &req) {
		return
	}

	reject := h.Calls.Reject
	if req.Reason == calls.CauseMediaAccess {
		reject = h.Calls.RejectForMedia
	}
	t, err := reject(c.Request.Context(), c.Param("id"), uid)
	h.writeTermination(c, t, err)
}

type endRequest struct {
	Cause calls.Cause `json:"cause" binding:"omitempty,oneof=hangup connectivity_failure ring_timeout aborted"`
}

func (h Handlers) EndCall(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req endRequest
	if !bindOptional(c, &req) {
		return
	}
	if req.Cause == "" {
		req.Cause = calls.CauseHangup
	}
	t, err := h.Calls.End(c.Request.Context(), c.Param("id"), uid, req.Cause)
	h.writeTermination(c, t, err)
}

type terminationResponse struct {
	Record          calls.CallRecord `json:"record"`
	Outcome         calls.Outcome    `json:"outcome"`
	DurationSeconds *int             `json:"durationSeconds,omitempty"`
	HistoryID       string           `json:"historyId,omitempty"`
	HistoryRecorded bool             `json:"historyRecorded"`
}

// writeTermination answers 200 once the terminal transition is won, even when
// the follow-up history write failed: the call is over for both participants
// and the kept record is picked up by a later retry.
func (h Handlers) writeTermination(c *gin.Context, t lifecycle.Termination, err error) {
	if err != nil && t.Record.ID == "" {
		writeError(c, err)
		return
	}
	if err != nil {
		logger.FromGin(c).Warn("call terminated with follow-up failure", "call_id", t.Record.ID, "err", err)
	}
	c.JSON(http.StatusOK, terminationResponse{
		Record:          t.Record,
		Outcome:         t.Conclusion.Outcome,
		DurationSeconds: t.Conclusion.DurationSeconds,
		HistoryID:       t.Entry.ID,
		HistoryRecorded: t.Entry.ID != "",
	})
}

type candidateRequest struct {
	Candidate        string  `json:"candidate" binding:"required"`
	SDPMid           *string `json:"sdpMid"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex"`
	UsernameFragment *string `json:"usernameFragment"`
}

func (h Handlers) AppendCandidate(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req candidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	n, err := h.Calls.AppendCandidate(c.Request.Context(), c.Param("id"), uid, calls.Candidate{
		Candidate:        req.Candidate,
		SDPMid:           req.SDPMid,
		SDPMLineIndex:    req.SDPMLineIndex,
		UsernameFragment: req.UsernameFragment,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (h Handlers) Heartbeat(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	if err := h.Calls.Heartbeat(c.Request.Context(), c.Param("id"), uid); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- History ---

func (h Handlers) ListHistory(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	entries, err := h.History.ListForParticipant(c.Request.Context(), uid, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// HistorySummary defaults to the last 30 days ending now.
func (h Handlers) HistorySummary(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	to := h.now().UTC()
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		to = t
	}
	from := to.Add(-defaultSummaryWindow)
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		from = t
	}

	out, err := h.Reports.Summary(c.Request.Context(), reporting.SummaryRequest{
		UserID: uid,
		Range:  reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Directory ---

func (h Handlers) GetUser(c *gin.Context) {
	if _, ok := requireUser(c); !ok {
		return
	}
	if h.Directory == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	u, err := h.Directory.Lookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": u.ID, "displayName": u.DisplayName})
}

func requireUser(c *gin.Context) (string, bool) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return "", false
	}
	return uid, true
}

// bindOptional binds a JSON body that may be absent.
func bindOptional(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return false
	}
	return true
}
