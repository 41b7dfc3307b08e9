package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/putto11262002/chatcampus/core"
)

func roomPath(id int) string {
	return roomsPath + strconv.Itoa(id) + "/"
}

// Room fetches the initial state of a room.
func (c *Client) Room(ctx context.Context, id int) (core.RoomDetail, error) {
	var res core.RoomDetail
	if err := c.gw.Do(ctx, http.MethodGet, roomPath(id), nil, &res); err != nil {
		return core.RoomDetail{}, err
	}
	if res.Participants == nil {
		res.Participants = []core.Participant{}
	}
	if res.Messages == nil {
		res.Messages = []core.Message{}
	}
	return res, nil
}

// RoomByKey is Room for a client side room key.
func (c *Client) RoomByKey(ctx context.Context, key string) (core.RoomDetail, error) {
	id, err := strconv.Atoi(key)
	if err != nil {
		return core.RoomDetail{}, core.ErrNotFound
	}
	return c.Room(ctx, id)
}

type roomResponse struct {
	Room core.Room `json:"room"`
}

func (c *Client) CreateRoom(ctx context.Context, in core.RoomInput) (core.Room, error) {
	if err := in.Validate(); err != nil {
		return core.Room{}, err
	}
	var res roomResponse
	if err := c.gw.Do(ctx, http.MethodPost, roomsPath, in, &res); err != nil {
		return core.Room{}, err
	}
	return res.Room, nil
}

func (c *Client) UpdateRoom(ctx context.Context, id int, in core.RoomInput) (core.Room, error) {
	if err := in.Validate(); err != nil {
		return core.Room{}, err
	}
	var res roomResponse
	if err := c.gw.Do(ctx, http.MethodPatch, roomPath(id), in, &res); err != nil {
		return core.Room{}, err
	}
	return res.Room, nil
}

func (c *Client) DeleteRoom(ctx context.Context, id int) error {
	return c.gw.Do(ctx, http.MethodDelete, roomPath(id), nil, nil)
}

type createdMessageResponse struct {
	Messages core.Message `json:"messages"`
}

// CreateMessage posts a message over HTTP. It is the fallback used when the
// live channel is not open.
func (c *Client) CreateMessage(ctx context.Context, roomID int, in core.MessageInput) (core.Message, error) {
	if err := in.Validate(); err != nil {
		return core.Message{}, err
	}
	var res createdMessageResponse
	path := "roomDetails/" + strconv.Itoa(roomID) + "/"
	if err := c.gw.Do(ctx, http.MethodPost, path, in, &res); err != nil {
		return core.Message{}, err
	}
	return res.Messages, nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID int) error {
	path := "messageDelete/" + strconv.Itoa(messageID) + "/"
	return c.gw.Do(ctx, http.MethodDelete, path, nil, nil)
}
