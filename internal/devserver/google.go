package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/putto11262002/chatcampus/pkg/router"
)

const googleTimeout = 10 * time.Second

type googleRequest struct {
	AccessToken string `json:"access_token"`
}

type googleResponse struct {
	Access    string `json:"access"`
	Refresh   string `json:"refresh"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
}

type googleUserInfo struct {
	Email      string `json:"email"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
}

func (s *Server) googleHandler(w http.ResponseWriter, r *http.Request) error {
	var req googleRequest
	if err := router.DecodeJSON(r, &req); err != nil {
		return err
	}
	if req.AccessToken == "" {
		return router.NewJsonError(http.StatusBadRequest, "No access token provided.")
	}

	info, err := s.googleUserInfo(r.Context(), req.AccessToken)
	if err != nil {
		s.logger.Warn("google userinfo", slog.String("error", err.Error()))
		return router.NewJsonError(http.StatusBadRequest, "Could not retrieve user info from Google")
	}
	if info.Email == "" {
		return router.NewJsonError(http.StatusBadRequest, "Google account has no email")
	}

	u, err := s.store.externalUser(info.Email, info.GivenName, info.FamilyName)
	if err != nil {
		return err
	}
	access, refresh, err := s.tokens.pair(u.ID)
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, googleResponse{
		Access:    access,
		Refresh:   refresh,
		Email:     u.Email,
		FirstName: u.FirstName,
	})
}

func (s *Server) googleUserInfo(ctx context.Context, token string) (googleUserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.GoogleUserInfoURL+url.QueryEscape(token), nil)
	if err != nil {
		return googleUserInfo{}, err
	}
	res, err := s.google.Do(req)
	if err != nil {
		return googleUserInfo{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return googleUserInfo{}, fmt.Errorf("userinfo status %d", res.StatusCode)
	}
	var info googleUserInfo
	if err := json.NewDecoder(res.Body).Decode(&info); err != nil {
		return googleUserInfo{}, fmt.Errorf("decode userinfo: %w", err)
	}
	return info, nil
}
