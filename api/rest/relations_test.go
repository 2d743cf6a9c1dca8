package rest_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelations_InviteAcceptFlow(t *testing.T) {
	s := newServer(t)
	alice := s.login(t, "alice")
	bob := s.login(t, "bob")

	w := alice.postJSON("/api/groups", map[string]string{"name": "club"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	groupID := idOf(t, w, "group")

	w = alice.postJSON(path("/api/groups/%d/requests", groupID), map[string]string{"username": "@Bob"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	reqID := idOf(t, w, "request")

	w = bob.get("/api/requests")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["requests"], 1)

	assert.Equal(t, http.StatusForbidden, alice.postJSON(path("/api/requests/%d/accept", reqID), nil).Code)

	w = bob.postJSON(path("/api/requests/%d/accept", reqID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "accepted", decode(t, w)["request"].(map[string]interface{})["status"])

	w = bob.postJSON(path("/api/requests/%d/ignore", reqID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ALREADY_HANDLED", decode(t, w)["code"])

	// bob may now post into the group, then leaves.
	w = bob.postJSON("/api/posts", map[string]interface{}{"body": "hi club", "group_id": groupID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, http.StatusOK, bob.postJSON(path("/api/groups/%d/leave", groupID), nil).Code)
	assert.Equal(t, http.StatusNotFound, bob.postJSON(path("/api/groups/%d/leave", groupID), nil).Code)
}

func TestRelations_BlockHidesContent(t *testing.T) {
	s := newServer(t)
	alice := s.login(t, "alice")
	bob := s.login(t, "bob")
	id := alice.createPost(t, "visible")

	w := bob.postJSON("/api/blocks", map[string]interface{}{"user_id": alice.user.ID, "reason": "spam"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = bob.postJSON("/api/blocks", map[string]interface{}{"user_id": alice.user.ID})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ALREADY_BLOCKED", decode(t, w)["code"])

	assert.Equal(t, http.StatusGone, bob.get(path("/api/posts/%d", id)).Code)
	assert.Empty(t, decode(t, bob.get("/api/posts"))["posts"])

	w = alice.get("/api/blocks")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{float64(bob.user.ID)}, decode(t, w)["user_ids"])

	assert.Equal(t, http.StatusNotFound, alice.do(http.MethodDelete, path("/api/blocks/%d", bob.user.ID), nil).Code)

	w = bob.do(http.MethodDelete, path("/api/blocks/%d", alice.user.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["unblocked"])
	assert.Equal(t, http.StatusOK, bob.get(path("/api/posts/%d", id)).Code)

	assert.Equal(t, http.StatusBadRequest, bob.postJSON("/api/blocks", map[string]interface{}{"user_id": 0}).Code)
}

func TestRelations_ExpelWithBlock(t *testing.T) {
	s := newServer(t)
	alice := s.login(t, "alice")
	bob := s.login(t, "bob")

	groupID := idOf(t, alice.postJSON("/api/groups", map[string]string{"name": "club"}), "group")
	reqID := idOf(t, alice.postJSON(path("/api/groups/%d/requests", groupID), map[string]string{"username": "bob"}), "request")
	require.Equal(t, http.StatusOK, bob.postJSON(path("/api/requests/%d/accept", reqID), nil).Code)
	bobPost := bob.createPost(t, "bob's")
	alicePost := alice.createPost(t, "alice's")

	w := bob.postJSON(path("/api/groups/%d/members/%d/expel", groupID, alice.user.ID), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = alice.postJSON(path("/api/groups/%d/members/%d/expel", groupID, bob.user.ID), map[string]interface{}{"block": true, "reason": "rude"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, http.StatusGone, alice.get(path("/api/posts/%d", bobPost)).Code)
	assert.Equal(t, http.StatusGone, bob.get(path("/api/posts/%d", alicePost)).Code)
	assert.Len(t, decode(t, alice.get("/api/posts"))["posts"], 1)
	assert.Len(t, decode(t, bob.get("/api/posts"))["posts"], 1)

	w = alice.postJSON(path("/api/groups/%d/requests", groupID), map[string]string{"username": "bob"})
	assert.Equal(t, http.StatusGone, w.Code)
}
