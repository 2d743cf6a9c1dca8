package rest_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kasuganosora/ephemera/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adminReq(s *server, method, target, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if key != "" {
		req.Header.Set("X-Admin-Key", key)
	}
	w := httptest.NewRecorder()
	s.r.ServeHTTP(w, req)
	return w
}

func TestAdminAuth(t *testing.T) {
	s := newServer(t)
	assert.Equal(t, http.StatusUnauthorized, adminReq(s, http.MethodGet, "/api/admin/scheduler", "").Code)
	assert.Equal(t, http.StatusUnauthorized, adminReq(s, http.MethodGet, "/api/admin/scheduler", "wrong").Code)
	assert.Equal(t, http.StatusOK, adminReq(s, http.MethodGet, "/api/admin/scheduler", adminKey).Code)
}

func TestAdmin_Sweep(t *testing.T) {
	s := newServer(t)
	alice := s.login(t, "alice")
	bob := s.login(t, "bob")
	id := alice.createPost(t, "short lived")
	require.Equal(t, http.StatusOK, bob.postJSON(path("/api/posts/%d/reactions", id), map[string]string{"emoji": "👍"}).Code)

	s.clock.Advance(testTTL)
	w := adminReq(s, http.MethodPost, "/api/admin/sweep", adminKey)
	require.Equal(t, http.StatusOK, w.Code)
	report := decode(t, w)["report"].(map[string]interface{})
	assert.Equal(t, []interface{}{float64(id)}, report["posts"])

	var reactions int64
	s.db.Model(&model.Reaction{}).Count(&reactions)
	assert.Zero(t, reactions)
}

func TestAdmin_SchedulerTasks(t *testing.T) {
	s := newServer(t)

	w := adminReq(s, http.MethodPost, "/api/admin/scheduler/reconcile/run", adminKey)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusNotFound, adminReq(s, http.MethodPost, "/api/admin/scheduler/nope/run", adminKey).Code)

	w = adminReq(s, http.MethodGet, "/api/admin/scheduler", adminKey)
	tasks := decode(t, w)["tasks"].([]interface{})
	require.Len(t, tasks, 1)
	task := tasks[0].(map[string]interface{})
	assert.Equal(t, "reconcile", task["name"])
	assert.Equal(t, float64(1), task["runs"])
}
