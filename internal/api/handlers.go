package api

import (
	"log/slog"
	"net/http"

	"github.com/BTreeMap/KlarePipe/internal/models"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sendMessageRequest struct {
	Input string `json:"input"`
}

type updateContextRequest struct {
	Updates *models.ContextPatch `json:"updates"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "klarepipe"}))
}

func (s *Server) registerHandler(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := s.users.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("User registered", map[string]string{
		"id":        u.ID,
		"username":  u.Username,
		"sessionId": u.SessionID,
	}))
}

func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	token, u, err := s.users.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{
		"token":     token,
		"userId":    u.ID,
		"sessionId": u.SessionID,
	}))
}

func (s *Server) sendMessageHandler(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	input, err := s.sanitizer.Clean("input", req.Input)
	if err != nil {
		writeError(w, r, err)
		return
	}

	slog.Debug("Server.sendMessageHandler: processing turn", "user_id", claims.UserID, "chars", len(input))
	reply, err := s.orch.SendMessage(r.Context(), input, claims.UserID, claims.SessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"reply": reply}))
}

func (s *Server) checkInHandler(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	reply, err := s.orch.InitiateCheckIn(r.Context(), claims.UserID, claims.SessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"reply": reply}))
}

func (s *Server) getContextHandler(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	c, err := s.contexts.Get(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if c == nil {
		writeError(w, r, models.ErrContextNotFound)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(c))
}

func (s *Server) updateContextHandler(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	var req updateContextRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Updates == nil {
		writeError(w, r, &models.ValidationError{Field: "updates", Reason: "is required"})
		return
	}
	if err := req.Updates.Validate(); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.contexts.Update(r.Context(), claims.UserID, *req.Updates); err != nil {
		writeError(w, r, err)
		return
	}

	c, err := s.contexts.Get(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Context updated", c))
}

func (s *Server) clearContextHandler(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if err := s.contexts.Clear(r.Context(), claims.UserID); err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("Server.clearContextHandler: context cleared", "user_id", claims.UserID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Context cleared", nil))
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	history, err := s.contexts.History(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{"history": history}))
}
