package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/ephemera/api/rest"
	"github.com/kasuganosora/ephemera/audit"
	"github.com/kasuganosora/ephemera/cache"
	"github.com/kasuganosora/ephemera/channel"
	"github.com/kasuganosora/ephemera/clock"
	"github.com/kasuganosora/ephemera/media"
	mw "github.com/kasuganosora/ephemera/middleware"
	"github.com/kasuganosora/ephemera/model"
	"github.com/kasuganosora/ephemera/post"
	"github.com/kasuganosora/ephemera/reconcile"
	"github.com/kasuganosora/ephemera/relation"
	"github.com/kasuganosora/ephemera/scheduler"
	"github.com/kasuganosora/ephemera/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSecret = "test-secret"
	adminKey   = "admin-secret"
	testTTL    = 24 * time.Hour
)

type nopAudit struct{}

func (nopAudit) Record(context.Context, audit.AuditEntry) {}

type server struct {
	r     *gin.Engine
	db    *gorm.DB
	clock *clock.Manual
	cache cache.Cache
	sched *scheduler.Scheduler
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.SetupTestDB(t)
	c := testutil.SetupTestCache(t)
	clk := testutil.NewClock()
	log := zap.NewNop()
	store, err := media.NewFSStore(afero.NewMemMapFs(), "/media")
	require.NoError(t, err)

	ledger := relation.NewLedger(db, clk, testTTL, c, nopAudit{}, log)
	registry := post.NewRegistry(db, clk, testTTL, store, ledger, log)
	gate := channel.NewGate(db, clk, registry, ledger, log)
	rec := reconcile.New(db, clk, store, reconcile.Config{TTL: testTTL}, nopAudit{}, log)
	sched := scheduler.New(log)
	t.Cleanup(sched.Stop)
	sched.AddTicker("reconcile", time.Hour, func(ctx context.Context) { rec.Tick(ctx) })

	r := gin.New()
	r.Use(mw.TraceID())
	rest.Mount(r.Group("/api", mw.Auth(testSecret, c, log)), rest.Handlers{
		Posts:     rest.NewPostHandler(registry, log),
		Channel:   rest.NewChannelHandler(gate, log),
		Relations: rest.NewRelationHandler(ledger, log),
	})
	rest.MountAdmin(r.Group("/api/admin", rest.AdminAuth(adminKey)), rest.NewAdminHandler(rec, sched, log))

	return &server{r: r, db: db, clock: clk, cache: c, sched: sched}
}

type client struct {
	s     *server
	user  *model.User
	token string
}

// login creates a user with a live session.
func (s *server) login(t *testing.T, username string) *client {
	t.Helper()
	u := testutil.CreateUser(t, s.db, username)
	token, err := mw.GenerateToken(u.ID, u.Username, testSecret, time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.cache.Set(context.Background(), mw.SessionKey(token), "1", time.Hour))
	return &client{s: s, user: u, token: token}
}

func (c *client) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var rdr *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	w := httptest.NewRecorder()
	c.s.r.ServeHTTP(w, req)
	return w
}

func (c *client) postJSON(path string, body interface{}) *httptest.ResponseRecorder {
	return c.do(http.MethodPost, path, body)
}

func (c *client) get(path string) *httptest.ResponseRecorder {
	return c.do(http.MethodGet, path, nil)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// idOf extracts obj[key]["id"] as int64.
func idOf(t *testing.T, w *httptest.ResponseRecorder, key string) int64 {
	t.Helper()
	obj, ok := decode(t, w)[key].(map[string]interface{})
	require.True(t, ok, "missing %q in %s", key, w.Body.String())
	return int64(obj["id"].(float64))
}

func (c *client) createPost(t *testing.T, body string) int64 {
	t.Helper()
	w := c.postJSON("/api/posts", map[string]interface{}{"body": body})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return idOf(t, w, "post")
}

func path(format string, args ...interface{}) string {
	return fmt.Sprintf(format, args...)
}
