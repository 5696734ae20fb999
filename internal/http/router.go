package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/klpoland/lti-tool-provider/internal/config"
	"github.com/klpoland/lti-tool-provider/internal/http/handler"
	httpmiddleware "github.com/klpoland/lti-tool-provider/internal/http/middleware"
	"github.com/klpoland/lti-tool-provider/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, ltiHandler *handler.LTIHandler, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	// Platforms POST both the login initiation and the authentication
	// response. GET on /login is allowed because some platforms initiate
	// with a redirect instead of a form post.
	r.POST("/login", ltiHandler.InitiateLogin)
	r.GET("/login", ltiHandler.InitiateLogin)
	r.POST("/redirect", ltiHandler.HandleLaunch)

	r.GET("/.well-known/jwks.json", ltiHandler.JWKS)

	r.POST("/scores", ltiHandler.PostScore)
	r.POST("/lineitems", ltiHandler.CreateLineItem)

	return r
}
