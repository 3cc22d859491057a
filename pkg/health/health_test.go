package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(t *testing.T, h HealthService, path string) (int, Health) {
	t.Helper()
	r := gin.New()
	r.GET("/healthz", h.Liveness)
	r.GET("/readyz", h.Readiness)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body Health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestReadinessFollowsRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	h := ProvideHealth(HealthParams{Redis: rdb})

	code, body := serve(t, h, "/readyz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "healthy", body.Status)
	require.Len(t, body.Deps, 1)
	require.Equal(t, "redis", body.Deps[0].Name)

	mr.Close()
	code, body = serve(t, h, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "unhealthy", body.Deps[0].Status)

	code, _ = serve(t, h, "/healthz")
	require.Equal(t, http.StatusOK, code)
}
