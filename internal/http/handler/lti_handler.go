package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/klpoland/lti-tool-provider/internal/domain/lti"
	"github.com/klpoland/lti-tool-provider/internal/keystore"
	"github.com/klpoland/lti-tool-provider/internal/service"
)

const sessionCookie = "lti_session"

// LTIHandler exposes the tool's LTI endpoints: OIDC login, launch redirect,
// the public key set, and grade passback.
type LTIHandler struct {
	Login    *service.LoginService
	Launch   *service.LaunchService
	Grades   *service.GradeService
	Keystore *keystore.Manager
	Logger   *zap.Logger
}

// NewLTIHandler creates the handler set.
func NewLTIHandler(login *service.LoginService, launch *service.LaunchService, grades *service.GradeService, ks *keystore.Manager, logger *zap.Logger) *LTIHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &LTIHandler{Login: login, Launch: launch, Grades: grades, Keystore: ks, Logger: logger}
}

// InitiateLogin handles the platform's third-party-initiated login request
// and answers with a 302 to the platform's authorization endpoint.
func (h *LTIHandler) InitiateLogin(c *gin.Context) {
	var req lti.LoginRequest
	if err := c.ShouldBind(&req); err != nil {
		c.String(http.StatusBadRequest, "Error with OIDC Login: %s", err.Error())
		return
	}

	sessionID := h.Login.NewSessionID()
	out, err := h.Login.InitiateLogin(c.Request.Context(), sessionID, req)
	if err != nil {
		var verr *lti.ValidationError
		if errors.As(err, &verr) {
			c.String(http.StatusBadRequest, "Error with OIDC Login: %s", verr.Error())
			return
		}
		h.Logger.Error("login initiation failed", zap.Error(err))
		c.String(http.StatusInternalServerError, "Error with OIDC Login: internal error")
		return
	}

	c.SetSameSite(http.SameSiteNoneMode)
	c.SetCookie(sessionCookie, sessionID, 3600, "/", "", true, true)
	c.Redirect(http.StatusFound, out.RedirectURL)
}

// HandleLaunch validates the id_token posted back by the platform and
// forwards the browser to the launched resource.
func (h *LTIHandler) HandleLaunch(c *gin.Context) {
	sessionID, err := c.Cookie(sessionCookie)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "errors": []string{"login session missing"}})
		return
	}

	if err := c.Request.ParseForm(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "errors": []string{"malformed launch body"}})
		return
	}

	in := service.LaunchInput{
		State:         c.PostForm("state"),
		IDToken:       c.PostForm("id_token"),
		PlatformError: c.PostForm("error"),
		Raw:           c.Request.PostForm,
	}

	session, err := h.Launch.Session(c.Request.Context(), sessionID)
	if err != nil {
		h.writeLaunchError(c, err)
		return
	}

	claims, err := h.Launch.HandleLaunch(c.Request.Context(), session, in)
	if err != nil {
		h.writeLaunchError(c, err)
		return
	}

	c.Redirect(http.StatusTemporaryRedirect, claims.TargetLinkURI)
}

// JWKS publishes the tool's public signing keys. Before any platform is
// registered no keys exist, which is reported as plain text rather than an
// empty set so misconfigured platforms fail loudly.
func (h *LTIHandler) JWKS(c *gin.Context) {
	keySet, err := h.Keystore.PublicKeySet(c.Request.Context())
	if err != nil {
		if errors.Is(err, lti.ErrNoKeys) {
			c.String(http.StatusOK, "No platform registered.")
			return
		}
		h.Logger.Error("keyset projection failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}
	c.JSON(http.StatusOK, keySet)
}

// PostScore submits a score for the launched user.
func (h *LTIHandler) PostScore(c *gin.Context) {
	var req struct {
		ScoreGiven   float64 `json:"scoreGiven" binding:"required"`
		ScoreMaximum float64 `json:"scoreMaximum" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "errors": []string{"scoreGiven and scoreMaximum are required"}})
		return
	}

	session, ok := h.launchedSession(c)
	if !ok {
		return
	}

	if err := h.Grades.PostScore(c.Request.Context(), session, req.ScoreGiven, req.ScoreMaximum); err != nil {
		h.writeGradeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "score posted"})
}

// CreateLineItem creates a gradable line item for the launched resource.
func (h *LTIHandler) CreateLineItem(c *gin.Context) {
	var req struct {
		Label        string  `json:"label" binding:"required"`
		ScoreMaximum float64 `json:"scoreMaximum" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "errors": []string{"label and scoreMaximum are required"}})
		return
	}

	session, ok := h.launchedSession(c)
	if !ok {
		return
	}

	if err := h.Grades.CreateLineItem(c.Request.Context(), session, req.Label, req.ScoreMaximum); err != nil {
		h.writeGradeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "line item created"})
}

func (h *LTIHandler) launchedSession(c *gin.Context) (*lti.LoginSession, bool) {
	sessionID, err := c.Cookie(sessionCookie)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_session", "errors": []string{"login session missing"}})
		return nil, false
	}
	session, err := h.Launch.Session(c.Request.Context(), sessionID)
	if err != nil || session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_session", "errors": []string{"login session expired"}})
		return nil, false
	}
	if session.DecodedLaunch == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_session", "errors": []string{"launch not validated"}})
		return nil, false
	}
	return session, true
}

func (h *LTIHandler) writeLaunchError(c *gin.Context, err error) {
	var verr *lti.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "errors": verr.Errors})
	case errors.Is(err, lti.ErrSessionNotFound):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "errors": []string{"login session expired"}})
	case errors.Is(err, lti.ErrLaunchAlreadyValidated):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "errors": []string{"launch already validated"}})
	default:
		h.Logger.Error("launch validation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
	}
}

func (h *LTIHandler) writeGradeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, lti.ErrScopeUnavailable):
		c.JSON(http.StatusForbidden, gin.H{"error": "insufficient_scope", "errors": []string{"platform did not grant the required scope"}})
	case errors.Is(err, lti.ErrLineItemUnavailable):
		c.JSON(http.StatusBadRequest, gin.H{"error": "no_line_item", "errors": []string{"launch did not advertise a line item"}})
	case errors.Is(err, lti.ErrLaunchNotValidated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_session", "errors": []string{"launch not validated"}})
	default:
		h.Logger.Error("grade passback failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "platform_error", "errors": []string{fmt.Sprintf("platform request failed: %v", err)}})
	}
}
