package adminapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	active int
	pool   PoolStats
	hasPool bool
}

func (f fakeSource) ActiveConnections() int { return f.active }
func (f fakeSource) Pool() (PoolStats, bool) { return f.pool, f.hasPool }

func init() {
	gin.SetMode(gin.TestMode)
}

func TestHealth_Returns200(t *testing.T) {
	h := New(fakeSource{}, "")
	engine := NewEngine(h)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestStatus_ReportsConnectionsAndOmitsPoolWhenAbsent(t *testing.T) {
	h := New(fakeSource{active: 3}, "")
	engine := NewEngine(h)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"active":3`)
	assert.NotContains(t, rec.Body.String(), `"pool"`)
}

func TestStatus_IncludesPoolWhenPresent(t *testing.T) {
	h := New(fakeSource{active: 1, hasPool: true, pool: PoolStats{AliveCount: 4, WorkingCount: 1, QueueLen: 2}}, "")
	engine := NewEngine(h)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"alive_count":4`)
}

func TestRequireAPIKey_RejectsMissingKey(t *testing.T) {
	h := New(fakeSource{}, "secret")
	engine := NewEngine(h)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAPIKey_AllowsMatchingKey(t *testing.T) {
	h := New(fakeSource{}, "secret")
	engine := NewEngine(h)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
