package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/emrgen/board/internal/compress"
	"github.com/emrgen/board/internal/crdt"
	"github.com/emrgen/board/internal/graph"
	"github.com/emrgen/board/internal/service"
	"github.com/emrgen/board/internal/store"
	"github.com/emrgen/board/internal/tester"
)

type testAPI struct {
	srv     *httptest.Server
	service *service.BoardService
	hub     *Hub
	issuer  *TokenIssuer
	session string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	tester.RemoveDBFile()
	tester.Setup()

	svc := service.NewBoardService(store.NewGormStore(tester.TestDB()), nil, nil, compress.NewGZip())
	hub := NewHub(svc)
	issuer := NewTokenIssuer("secret")

	srv := httptest.NewServer(NewRouter(svc, hub, issuer))
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})

	return &testAPI{
		srv:     srv,
		service: svc,
		hub:     hub,
		issuer:  issuer,
		session: sessionToken(t, "secret", "user1"),
	}
}

func (a *testAPI) request(t *testing.T, method, path, bearer string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, a.srv.URL+path, bytes.NewReader(body))
	assert.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res, err := http.DefaultClient.Do(req)
	assert.NoError(t, err)
	return res
}

func (a *testAPI) createBoard(t *testing.T) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{
		"projectId": uuid.New().String(),
		"title":     "retro",
	})
	res := a.request(t, http.MethodPost, "/v1/boards", a.session, body)
	defer res.Body.Close()
	assert.Equal(t, http.StatusCreated, res.StatusCode)

	var created map[string]string
	assert.NoError(t, json.NewDecoder(res.Body).Decode(&created))
	return created["id"]
}

func (a *testAPI) boardToken(t *testing.T, boardID string) string {
	t.Helper()
	token, _, err := a.issuer.IssueBoardToken("user1", boardID, "")
	assert.NoError(t, err)
	return token
}

func TestHandlers_RequireSession(t *testing.T) {
	api := newTestAPI(t)

	res := api.request(t, http.MethodPost, "/v1/boards", "", []byte(`{}`))
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = api.request(t, http.MethodGet, "/v1/boards", "garbage", nil)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestHandlers_IssueToken(t *testing.T) {
	api := newTestAPI(t)
	boardID := api.createBoard(t)

	body, _ := json.Marshal(map[string]string{"boardId": boardID})
	res := api.request(t, http.MethodPost, "/v1/tokens", api.session, body)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	var tok tokenResponse
	assert.NoError(t, json.NewDecoder(res.Body).Decode(&tok))
	assert.NotEmpty(t, tok.Token)

	claims, err := api.issuer.VerifyBoardToken(tok.Token, boardID)
	assert.NoError(t, err)
	assert.Equal(t, "user1", claims.Subject)
}

func TestHandlers_GetStateRejectsForeignToken(t *testing.T) {
	api := newTestAPI(t)
	boardID := api.createBoard(t)
	otherID := api.createBoard(t)

	res := api.request(t, http.MethodGet, "/v1/boards/"+boardID+"/state", api.boardToken(t, otherID), nil)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestHandlers_UpdateThenState(t *testing.T) {
	api := newTestAPI(t)
	boardID := api.createBoard(t)
	token := api.boardToken(t, boardID)

	writer := crdt.NewDoc()
	var payload []byte
	unsub := writer.Subscribe(func(ev crdt.UpdateEvent) { payload = ev.Bytes })
	assert.NoError(t, writer.Transact(writer.LocalOrigin(), func(tx *crdt.Tx) error {
		return tx.PutNode(&graph.Node{ID: "n1", Type: graph.NodeTypePoint})
	}))
	unsub()

	res := api.request(t, http.MethodPost, "/v1/boards/"+boardID+"/updates", token, payload)
	res.Body.Close()
	assert.Equal(t, http.StatusAccepted, res.StatusCode)

	// full snapshot without a state vector
	res = api.request(t, http.MethodGet, "/v1/boards/"+boardID+"/state", token, nil)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	var state snapshotResponse
	assert.NoError(t, json.NewDecoder(res.Body).Decode(&state))
	raw, err := base64.StdEncoding.DecodeString(state.Snapshot)
	assert.NoError(t, err)

	replica, err := crdt.LoadDoc(raw)
	assert.NoError(t, err)
	assert.Len(t, replica.Nodes(), 1)

	// a current vector gets 204
	res = api.request(t, http.MethodGet, "/v1/boards/"+boardID+"/state?sv="+replica.StateVector().Encode(), token, nil)
	res.Body.Close()
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	// the update also reached the persisted log
	doc, err := api.service.LoadDoc(context.Background(), uuid.MustParse(boardID))
	assert.NoError(t, err)
	assert.Len(t, doc.Nodes(), 1)
}

func TestHandlers_RejectGarbageUpdate(t *testing.T) {
	api := newTestAPI(t)
	boardID := api.createBoard(t)
	token := api.boardToken(t, boardID)

	res := api.request(t, http.MethodPost, "/v1/boards/"+boardID+"/updates", token, []byte("not an update"))
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestHandlers_UnknownBoard(t *testing.T) {
	api := newTestAPI(t)
	missing := uuid.New().String()

	res := api.request(t, http.MethodGet, "/v1/boards/"+missing+"/state", api.boardToken(t, missing), nil)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}
