package captcha

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Defaults used when a query parameter is absent.
const (
	DefaultWidth  = 300
	DefaultHeight = 100
	DefaultChars  = 7
)

// Handler serves GET /captcha?width=&height=&chars= with a PNG body and the
// solution in SolutionHeader.
func Handler(r *Renderer, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		width, err1 := intQuery(c, "width", DefaultWidth)
		height, err2 := intQuery(c, "height", DefaultHeight)
		chars, err3 := intQuery(c, "chars", DefaultChars)
		if err := errors.Join(err1, err2, err3); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": "bad_request", "message": err.Error()})
			return
		}

		img, solution, err := r.Render(width, height, chars)
		if errors.Is(err, ErrBadGeometry) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": "bad_request", "message": err.Error()})
			return
		}
		if err != nil {
			logger.Error().Err(err).Msg("captcha render failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": "internal_error", "message": "render failed"})
			return
		}

		c.Header(SolutionHeader, solution)
		c.Header("Cache-Control", "no-store")
		c.Data(http.StatusOK, "image/png", img)
	}
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(key + " must be an integer")
	}
	return v, nil
}

// NewServerEngine returns a gin engine exposing the provider at /captcha and
// a /health check.
func NewServerEngine(r *Renderer, logger zerolog.Logger) *gin.Engine {
	e := gin.New()
	e.Use(gin.Recovery())
	e.GET("/captcha", Handler(r, logger))
	e.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	return e
}
