package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/putto11262002/chatcampus/core"
	"github.com/putto11262002/chatcampus/pkg/gateway"
)

// UpdateProfile sends a partial profile update as a multipart form. Empty
// fields are omitted; Avatar, when set, is read from disk and uploaded.
func (c *Client) UpdateProfile(ctx context.Context, in core.ProfileInput) (core.User, error) {
	if err := in.Validate(); err != nil {
		return core.User{}, err
	}

	body, contentType, err := profileForm(in)
	if err != nil {
		return core.User{}, err
	}

	req, err := c.gw.NewRequest(ctx, http.MethodPatch, mePath, bytes.NewReader(body))
	if err != nil {
		return core.User{}, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	res, err := c.gw.DoRequest(req)
	if err != nil {
		return core.User{}, err
	}
	defer res.Body.Close()

	var out userResponse
	if err := gateway.DecodeJson(res.Body, &out); err != nil {
		return core.User{}, fmt.Errorf("decode response: %w", err)
	}
	return out.User, nil
}

func profileForm(in core.ProfileInput) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := []struct{ name, value string }{
		{"first_name", in.FirstName},
		{"last_name", in.LastName},
		{"email", in.Email},
		{"bio", in.Bio},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if err := w.WriteField(f.name, f.value); err != nil {
			return nil, "", err
		}
	}

	if in.Avatar != "" {
		f, err := os.Open(in.Avatar)
		if err != nil {
			return nil, "", fmt.Errorf("open avatar: %w", err)
		}
		defer f.Close()

		part, err := w.CreateFormFile("avatar", filepath.Base(in.Avatar))
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(part, f); err != nil {
			return nil, "", fmt.Errorf("read avatar: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
