package captcha

import (
	"bytes"
	"context"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomText_UsesAlphabet(t *testing.T) {
	s, err := RandomText(64)
	require.NoError(t, err)
	assert.Len(t, s, 64)
	for _, r := range s {
		assert.True(t, strings.ContainsRune(Alphabet, r), "unexpected %q", r)
	}
}

func TestRender_ProducesPNGOfRequestedSize(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)
	r.Noise = 50

	img, solution, err := r.Render(300, 100, 7)
	require.NoError(t, err)
	assert.Len(t, solution, 7)

	decoded, err := png.Decode(bytes.NewReader(img))
	require.NoError(t, err)
	assert.Equal(t, 300, decoded.Bounds().Dx())
	assert.Equal(t, 100, decoded.Bounds().Dy())
}

func TestRender_RejectsBadGeometry(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)
	for _, g := range [][3]int{{10, 100, 7}, {300, 5000, 7}, {300, 100, 0}, {300, 100, 50}} {
		_, _, err := r.Render(g[0], g[1], g[2])
		assert.ErrorIs(t, err, ErrBadGeometry)
	}
}

func TestHandler_RoundTripThroughClient(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r, err := NewRenderer()
	require.NoError(t, err)
	r.Noise = 10
	srv := httptest.NewServer(NewServerEngine(r, zerolog.Nop()))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/captcha", 0)
	require.NoError(t, err)
	ch, err := c.Challenge(context.Background(), 200, 80, 5)
	require.NoError(t, err)
	assert.Len(t, ch.Solution, 5)
	assert.NotEmpty(t, ch.Image)
}

func TestHandler_BadParams(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r, err := NewRenderer()
	require.NoError(t, err)
	e := NewServerEngine(r, zerolog.Nop())

	for _, q := range []string{"?width=abc", "?chars=99"} {
		w := httptest.NewRecorder()
		e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/captcha"+q, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
		assert.Empty(t, w.Header().Get(SolutionHeader))
	}
}
