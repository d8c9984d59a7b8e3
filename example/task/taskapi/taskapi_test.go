package taskapi_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/romshark/plow"
	"github.com/romshark/plow/example/task"
	"github.com/romshark/plow/example/task/taskapi"
	"github.com/romshark/plow/internal/testdb"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := slog.Default()
	d, _ := testdb.NewSQLite(t, log)
	board := task.NewBoard(log)
	e, err := plow.Make(t.Context(), nil, log, d, nil,
		[]plow.StatefulProjection{board}, nil)
	require.NoError(t, err)
	h := taskapi.NewHandler(log, e, task.NewRepository(e, log), board)
	return taskapi.NewRouter(h, "taskapi-test")
}

func do(
	t *testing.T, r http.Handler, method, path string, body any,
) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func requireError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, w.Code, w.Body.String())
	require.Equal(t, code, decode[taskapi.ErrorEnvelope](t, w).Error.Code)
}

func create(t *testing.T, r http.Handler, description string) taskapi.TaskResponse {
	t.Helper()
	w := do(t, r, http.MethodPost, "/tasks",
		taskapi.DescriptionRequest{Description: description})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[taskapi.TaskResponse](t, w)
}

func TestCreateAndGet(t *testing.T) {
	r := newRouter(t)

	w := do(t, r, http.MethodPost, "/tasks",
		taskapi.DescriptionRequest{Description: "write docs"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[taskapi.TaskResponse](t, w)
	require.NotEmpty(t, created.ID)
	require.Equal(t, "/tasks/"+created.ID, w.Header().Get("Location"))
	require.Equal(t, "write docs", created.Description)
	require.Equal(t, int64(1), created.Version)
	require.Equal(t, []string{"task-created"}, created.Events)

	w = do(t, r, http.MethodGet, "/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[task.View](t, w)
	require.Equal(t, created.ID, view.ID)
	require.Equal(t, "write docs", view.Description)
	require.False(t, view.Completed)

	w = do(t, r, http.MethodGet, "/tasks/unknown", nil)
	requireError(t, w, http.StatusNotFound, "not_found")
}

func TestCreateInvalid(t *testing.T) {
	r := newRouter(t)

	w := do(t, r, http.MethodPost, "/tasks", taskapi.DescriptionRequest{})
	requireError(t, w, http.StatusBadRequest, "invalid_description")
	require.Equal(t, "task description cannot be empty",
		decode[taskapi.ErrorEnvelope](t, w).Error.Message)

	req := httptest.NewRequest(http.MethodPost, "/tasks",
		bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	requireError(t, rec, http.StatusBadRequest, "invalid_request")
}

func TestLifecycle(t *testing.T) {
	r := newRouter(t)
	created := create(t, r, "write docs")
	base := "/tasks/" + created.ID

	w := do(t, r, http.MethodPut, base+"/description",
		taskapi.DescriptionRequest{Description: "write better docs"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[taskapi.TaskResponse](t, w)
	require.Equal(t, "write better docs", resp.Description)
	require.Equal(t, int64(2), resp.Version)
	require.Equal(t, []string{"task-description-changed"}, resp.Events)

	w = do(t, r, http.MethodPut, base+"/description",
		taskapi.DescriptionRequest{Description: "write better docs"})
	requireError(t, w, http.StatusConflict, "unchanged")

	w = do(t, r, http.MethodPut, base+"/description",
		taskapi.DescriptionRequest{Description: " "})
	requireError(t, w, http.StatusBadRequest, "invalid_description")

	w = do(t, r, http.MethodPost, base+"/reopen", nil)
	requireError(t, w, http.StatusConflict, "not_completed")

	w = do(t, r, http.MethodPost, base+"/complete", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp = decode[taskapi.TaskResponse](t, w)
	require.True(t, resp.Completed)
	require.Equal(t, int64(3), resp.Version)

	w = do(t, r, http.MethodPost, base+"/complete", nil)
	requireError(t, w, http.StatusConflict, "already_completed")

	w = do(t, r, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[task.View](t, w)
	require.True(t, view.Completed)
	require.Equal(t, int64(3), view.Version)

	w = do(t, r, http.MethodPost, base+"/reopen", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.False(t, decode[taskapi.TaskResponse](t, w).Completed)

	w = do(t, r, http.MethodPost, "/tasks/unknown/complete", nil)
	requireError(t, w, http.StatusNotFound, "not_found")
}

func TestList(t *testing.T) {
	r := newRouter(t)

	w := do(t, r, http.MethodGet, "/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, decode[[]task.View](t, w))

	create(t, r, "first")
	second := create(t, r, "second")
	w = do(t, r, http.MethodPost, "/tasks/"+second.ID+"/complete", nil)
	require.Equal(t, http.StatusOK, w.Code)

	descriptions := func(status string) []string {
		w := do(t, r, http.MethodGet, "/tasks?status="+status, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var s []string
		for _, v := range decode[[]task.View](t, w) {
			s = append(s, v.Description)
		}
		return s
	}
	require.Equal(t, []string{"first", "second"}, descriptions("all"))
	require.Equal(t, []string{"first"}, descriptions("open"))
	require.Equal(t, []string{"second"}, descriptions("completed"))

	w = do(t, r, http.MethodGet, "/tasks?status=archived", nil)
	requireError(t, w, http.StatusBadRequest, "invalid_status")
}

func TestHealth(t *testing.T) {
	r := newRouter(t)
	create(t, r, "first")

	w := do(t, r, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	h := decode[taskapi.HealthResponse](t, w)
	require.Equal(t, "ok", h.Status)
	require.Equal(t, int64(1), h.Version)
}
