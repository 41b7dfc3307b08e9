package devserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/putto11262002/chatcampus/core"
	"github.com/putto11262002/chatcampus/pkg/live"
	"github.com/putto11262002/chatcampus/pkg/router"
)

const maxAvatarSize = 2 << 20

var errEmptyBody = errors.New("empty message body")

func idParam(r *http.Request, name string) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil {
		return 0, router.NewJsonError(http.StatusNotFound, "Not found.")
	}
	return id, nil
}

type userResponse struct {
	Message string    `json:"message"`
	User    core.User `json:"user"`
}

func (s *Server) meHandler(w http.ResponseWriter, r *http.Request) error {
	u, err := s.store.user(userFromRequest(r))
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, userResponse{Message: "User profile retrieve successfully", User: u})
}

type profileRequest struct {
	FirstName string `json:"first_name" validate:"omitempty,excludesall=<>"`
	LastName  string `json:"last_name" validate:"omitempty,excludesall=<>"`
	Email     string `json:"email" validate:"omitempty,email"`
	Bio       string `json:"bio" validate:"omitempty,excludesall=<>,max=500"`
}

// updateMeHandler applies a partial profile update sent as a multipart form.
// Only the fields present in the form change.
func (s *Server) updateMeHandler(w http.ResponseWriter, r *http.Request) error {
	if err := r.ParseMultipartForm(maxAvatarSize); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "Invalid form.")
	}
	req := profileRequest{
		FirstName: r.FormValue("first_name"),
		LastName:  r.FormValue("last_name"),
		Email:     r.FormValue("email"),
		Bio:       r.FormValue("bio"),
	}
	if err := validationError(core.Validate(req)); err != nil {
		return err
	}

	var patch profilePatch
	set := func(field string, dst **string) {
		if _, ok := r.MultipartForm.Value[field]; ok {
			v := r.FormValue(field)
			*dst = &v
		}
	}
	set("first_name", &patch.FirstName)
	set("last_name", &patch.LastName)
	set("email", &patch.Email)
	set("bio", &patch.Bio)

	if file, header, err := r.FormFile("avatar"); err == nil {
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, maxAvatarSize))
		if err != nil {
			return fmt.Errorf("read avatar: %w", err)
		}
		url := s.saveMedia(header.Filename, data)
		patch.Avatar = &url
	}

	u, err := s.store.updateUser(userFromRequest(r), patch)
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, userResponse{Message: "User profile updated successfully", User: u})
}

// saveMedia keeps an uploaded file in memory and returns the path it is
// served from.
func (s *Server) saveMedia(filename string, data []byte) string {
	p := "/media/avatars/" + uuid.NewString() + strings.ToLower(path.Ext(filename))
	s.media.Store(p, data)
	return p
}

func (s *Server) mediaHandler(w http.ResponseWriter, r *http.Request) error {
	data, ok := s.media.Load(r.URL.Path)
	if !ok {
		return router.NewJsonError(http.StatusNotFound, "Not found.")
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	_, err := w.Write(data)
	return err
}

func (s *Server) profileHandler(w http.ResponseWriter, r *http.Request) error {
	id, err := idParam(r, "id")
	if err != nil {
		return err
	}
	p, err := s.store.profile(id)
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, p)
}

func (s *Server) dashboardHandler(w http.ResponseWriter, r *http.Request) error {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	return router.JSON(w, http.StatusOK, s.store.dashboard(q))
}

type topicsResponse struct {
	Message string       `json:"message"`
	Topics  []core.Topic `json:"topics"`
}

func (s *Server) topicsHandler(w http.ResponseWriter, r *http.Request) error {
	topics := s.store.topicList(r.URL.Query().Get("q"))
	return router.JSON(w, http.StatusOK, topicsResponse{Message: "Topics retrieve successfully", Topics: topics})
}

type roomRequest struct {
	Topic           string `json:"topic" validate:"required"`
	RoomName        string `json:"room_name" validate:"required"`
	RoomDescription string `json:"room_description" validate:"required"`
}

type roomResponse struct {
	Message string    `json:"message"`
	Room    core.Room `json:"room"`
}

func (s *Server) createRoomHandler(w http.ResponseWriter, r *http.Request) error {
	var req roomRequest
	if err := decodeValid(r, &req); err != nil {
		return err
	}
	room, err := s.store.createRoom(userFromRequest(r), core.RoomInput(req))
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusCreated, roomResponse{Message: "Room created successfully", Room: room})
}

func (s *Server) updateRoomHandler(w http.ResponseWriter, r *http.Request) error {
	id, err := idParam(r, "id")
	if err != nil {
		return err
	}
	var req core.RoomInput
	if err := router.DecodeJSON(r, &req); err != nil {
		return err
	}
	room, err := s.store.updateRoom(userFromRequest(r), id, req)
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, roomResponse{Message: "Room updated successfully", Room: room})
}

func (s *Server) deleteRoomHandler(w http.ResponseWriter, r *http.Request) error {
	id, err := idParam(r, "id")
	if err != nil {
		return err
	}
	if err := s.store.deleteRoom(userFromRequest(r), id); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type roomDetailResponse struct {
	Message string `json:"message"`
	core.RoomDetail
}

func (s *Server) roomDetailHandler(w http.ResponseWriter, r *http.Request) error {
	id, err := idParam(r, "id")
	if err != nil {
		return err
	}
	d, err := s.store.roomDetail(id)
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, roomDetailResponse{Message: "Room details retrieve successfully", RoomDetail: d})
}

type createMessageRequest struct {
	Body string `json:"body"`
}

type createdMessageResponse struct {
	Message  string       `json:"message"`
	Messages core.Message `json:"messages"`
}

// createMessageHandler is the HTTP variant of send_message. The new message
// is also broadcast to the room's live clients.
func (s *Server) createMessageHandler(w http.ResponseWriter, r *http.Request) error {
	id, err := idParam(r, "id")
	if err != nil {
		return err
	}
	var req createMessageRequest
	if err := router.DecodeJSON(r, &req); err != nil {
		return err
	}
	m, err := s.store.createMessage(userFromRequest(r), id, req.Body)
	if err != nil {
		return err
	}
	s.hub.broadcast(id, event{Type: live.EventChatMessage, Message: m})
	return router.JSON(w, http.StatusCreated, createdMessageResponse{Message: "Message created successfully", Messages: m})
}

func (s *Server) deleteMessageHandler(w http.ResponseWriter, r *http.Request) error {
	id, err := idParam(r, "id")
	if err != nil {
		return err
	}
	roomID, err := s.store.deleteMessage(userFromRequest(r), id)
	if err != nil {
		return err
	}
	s.hub.broadcast(roomID, event{Type: live.EventChatMessageDelete, MessageID: &id})
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// wsHandler upgrades to the room's live channel. Authentication happens over
// the socket with the Auth_Check action.
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if err := s.hub.connect(w, r, id); err != nil {
		s.logger.Warn("websocket connect", "error", err)
	}
}
