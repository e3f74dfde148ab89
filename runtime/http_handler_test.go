package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, service *RunService) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	g := gin.New()
	NewHTTPHandler(slog.Default(), service, g)
	return g
}

func TestHTTPHandler_StartAndQueryRun(t *testing.T) {
	engine := newFakeEngine()
	engine.results["critic"] = []StepResult{{Status: StepSucceeded, Verification: VerifiedStatus}}
	service := newTestService(t, engine, buildFlow())
	router := newTestRouter(t, service)

	body := `{"flow_keys":["build"],"engine":"fake"}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, w.Code)

	var started struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))
	require.NotEmpty(t, started.RunID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, service.Wait(ctx, started.RunID))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/runs/"+started.RunID, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var summary RunSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, RunSucceeded, summary.Status)
	assert.Len(t, summary.History, 2)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/runs/"+started.RunID+"/events", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), EventRunEnded)
}

func TestHTTPHandler_ListRuns(t *testing.T) {
	service := newTestService(t, newFakeEngine(), buildFlow())
	router := newTestRouter(t, service)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/runs", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"runs":[]}`, w.Body.String())
}

func TestHTTPHandler_BadSpecRejected(t *testing.T) {
	service := newTestService(t, newFakeEngine(), buildFlow())
	router := newTestRouter(t, service)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"engine":"fake"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHTTPHandler_UnknownRunIs404(t *testing.T) {
	service := newTestService(t, newFakeEngine(), buildFlow())
	router := newTestRouter(t, service)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/runs/run-missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/runs/run-missing/cancel", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHTTPHandler_CancelRun(t *testing.T) {
	engine := newFakeEngine()
	engine.blockOn = "author"
	service := newTestService(t, engine, buildFlow())
	router := newTestRouter(t, service)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"flow_keys":["build"],"engine":"fake"}`)))
	require.Equal(t, http.StatusAccepted, w.Code)
	var started struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))

	<-engine.started
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/runs/"+started.RunID+"/cancel", nil))
	require.Equal(t, http.StatusAccepted, w.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, service.Wait(ctx, started.RunID))

	summary, err := service.GetRunSummary(started.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunCancelled, summary.Status)
}

func TestHTTPHandler_Healthz(t *testing.T) {
	service := newTestService(t, newFakeEngine(), buildFlow())
	router := newTestRouter(t, service)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fake")
}
