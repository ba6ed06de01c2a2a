package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/emrgen/board/internal/service"
	"github.com/emrgen/board/internal/store"
)

// maxUpdateSize bounds a single posted update. Saves ship diffs, so
// anything larger points at a misbehaving client.
const maxUpdateSize = 16 << 20

type handlers struct {
	service *service.BoardService
	hub     *Hub
	issuer  *TokenIssuer
	upgrade websocket.Upgrader
}

func newHandlers(svc *service.BoardService, hub *Hub, issuer *TokenIssuer) *handlers {
	return &handlers{
		service: svc,
		hub:     hub,
		issuer:  issuer,
		upgrade: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// NewRouter wires the HTTP surface of the board server.
func NewRouter(svc *service.BoardService, hub *Hub, issuer *TokenIssuer) *mux.Router {
	h := newHandlers(svc, hub, issuer)

	r := mux.NewRouter()
	r.Methods(http.MethodPost).Path("/v1/tokens").HandlerFunc(h.issueToken)
	r.Methods(http.MethodPost).Path("/v1/boards").HandlerFunc(h.createBoard)
	r.Methods(http.MethodGet).Path("/v1/boards").HandlerFunc(h.listBoards)
	r.Methods(http.MethodGet).Path("/v1/boards/{id}/state").HandlerFunc(h.getState)
	r.Methods(http.MethodPost).Path("/v1/boards/{id}/updates").HandlerFunc(h.postUpdate)
	r.Methods(http.MethodGet).Path("/v1/boards/{id}/sync").HandlerFunc(h.syncBoard)
	return r
}

type tokenRequest struct {
	BoardID    string `json:"boardId"`
	ShareToken string `json:"shareToken,omitempty"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

// issueToken exchanges a session token for a short-lived board token.
func (h *handlers) issueToken(w http.ResponseWriter, r *http.Request) {
	userID, err := h.issuer.VerifySession(bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BoardID == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	token, expiresAt, err := h.issuer.IssueBoardToken(userID, req.BoardID, req.ShareToken)
	if err != nil {
		logrus.Errorf("failed to issue board token: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt.Unix(),
	})
}

type createBoardRequest struct {
	ProjectID string `json:"projectId"`
	Title     string `json:"title"`
}

func (h *handlers) createBoard(w http.ResponseWriter, r *http.Request) {
	if _, err := h.issuer.VerifySession(bearerToken(r)); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req createBoardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		http.Error(w, "invalid project id", http.StatusBadRequest)
		return
	}

	board, err := h.service.CreateBoard(r.Context(), projectID, req.Title)
	if err != nil {
		logrus.Errorf("failed to create board: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"id":    board.ID,
		"title": board.Title,
	})
}

func (h *handlers) listBoards(w http.ResponseWriter, r *http.Request) {
	if _, err := h.issuer.VerifySession(bearerToken(r)); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	projectID, err := uuid.Parse(r.URL.Query().Get("projectId"))
	if err != nil {
		http.Error(w, "invalid project id", http.StatusBadRequest)
		return
	}

	boards, total, err := h.service.ListBoards(r.Context(), projectID)
	if err != nil {
		logrus.Errorf("failed to list boards: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	items := make([]map[string]any, 0, len(boards))
	for _, b := range boards {
		items = append(items, map[string]any{
			"id":        b.ID,
			"title":     b.Title,
			"updatedAt": b.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"boards": items, "total": total})
}

type snapshotResponse struct {
	Snapshot string `json:"snapshot"`
}

// getState answers hydration. A client that sends its last known state
// vector gets 204 when it is current, a binary diff when the server can
// compute one, and a full snapshot otherwise.
func (h *handlers) getState(w http.ResponseWriter, r *http.Request) {
	boardID, ok := h.authorizeBoard(w, r)
	if !ok {
		return
	}

	state, err := h.service.GetState(r.Context(), boardID, r.URL.Query().Get("sv"))
	if err != nil {
		if errors.Is(err, store.ErrBoardNotFound) {
			http.Error(w, "board not found", http.StatusNotFound)
			return
		}
		logrus.Errorf("failed to load state for board %s: %v", boardID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	switch {
	case state.NoContent:
		w.WriteHeader(http.StatusNoContent)
	case state.Diff != nil:
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(state.Diff)
	default:
		writeJSON(w, http.StatusOK, snapshotResponse{
			Snapshot: base64.StdEncoding.EncodeToString(state.Snapshot),
		})
	}
}

// postUpdate appends one binary update to the board. Updates go through
// the resident hub document when one exists so connected peers see them
// immediately.
func (h *handlers) postUpdate(w http.ResponseWriter, r *http.Request) {
	boardID, ok := h.authorizeBoard(w, r)
	if !ok {
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxUpdateSize))
	if err != nil || len(payload) == 0 {
		http.Error(w, "empty update", http.StatusBadRequest)
		return
	}

	clientID := r.Header.Get("X-Client-Id")

	board, err := h.hub.Board(r.Context(), boardID)
	if err != nil {
		if errors.Is(err, store.ErrBoardNotFound) {
			http.Error(w, "board not found", http.StatusNotFound)
			return
		}
		logrus.Errorf("failed to open board %s: %v", boardID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := board.ApplyUpdate(payload, clientID); err != nil {
		http.Error(w, "invalid update", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// syncBoard upgrades to a websocket and runs the realtime sync protocol.
func (h *handlers) syncBoard(w http.ResponseWriter, r *http.Request) {
	boardID, ok := h.authorizeBoard(w, r)
	if !ok {
		return
	}

	board, err := h.hub.Board(r.Context(), boardID)
	if err != nil {
		if errors.Is(err, store.ErrBoardNotFound) {
			http.Error(w, "board not found", http.StatusNotFound)
			return
		}
		logrus.Errorf("failed to open board %s: %v", boardID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrade.Upgrade(w, r, nil)
	if err != nil {
		logrus.Warnf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	board.Serve(r.Context(), conn)
}

// authorizeBoard verifies the board token against the path's board id.
// The token rides the Authorization header for REST calls and the token
// query parameter for websocket dials.
func (h *handlers) authorizeBoard(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid board id", http.StatusBadRequest)
		return uuid.Nil, false
	}

	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if _, err := h.issuer.VerifyBoardToken(token, id.String()); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return uuid.Nil, false
	}

	return id, true
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Debugf("failed to write response: %v", err)
	}
}
