package core

import (
	"strconv"
	"time"
)

// Topic groups rooms by subject.
type Topic struct {
	ID        int    `json:"id"`
	TopicName string `json:"topic_name"`
	RoomCount int    `json:"room_count"`
}

// TopicName is the reduced topic shape embedded in room listings.
type TopicName struct {
	TopicName string `json:"topic_name"`
}

// Room is the metadata of a chat room.
type Room struct {
	ID              int         `json:"id"`
	RoomName        string      `json:"room_name"`
	RoomDescription string      `json:"room_description"`
	Owner           UserSummary `json:"owner"`
	CreatedAt       time.Time   `json:"created_at"`
	TopicDetails    TopicName   `json:"topic_details"`
}

// Key returns the identifier used to key per-room state on the client.
func (r Room) Key() string {
	return strconv.Itoa(r.ID)
}

// RoomSummary is the room shape used by the dashboard and profile listings.
type RoomSummary struct {
	ID                int         `json:"id"`
	RoomName          string      `json:"room_name"`
	Owner             UserSummary `json:"owner"`
	CreatedAt         time.Time   `json:"created_at"`
	ParticipantsCount int         `json:"participants_count"`
	TopicDetails      TopicName   `json:"topic_details"`
}

// RoomRef identifies a room by id and name.
type RoomRef struct {
	ID       int    `json:"id"`
	RoomName string `json:"room_name"`
}

// Message is a chat message inside a room. Ids are unique within a room.
type Message struct {
	ID        int         `json:"id"`
	Body      string      `json:"body"`
	CreatedAt time.Time   `json:"created_at"`
	Owner     UserSummary `json:"owner"`
}

// MessageSummary is a message listed outside of its room, for example in the
// dashboard activity feed.
type MessageSummary struct {
	ID        int         `json:"id"`
	Body      string      `json:"body"`
	CreatedAt time.Time   `json:"created_at"`
	Owner     UserSummary `json:"owner"`
	Room      RoomRef     `json:"room"`
}

// RoomDetail is the initial state of a room: metadata, participants in join
// order and messages in chronological order.
type RoomDetail struct {
	Room         Room          `json:"room"`
	Participants []Participant `json:"participants"`
	Messages     []Message     `json:"messages"`
}

// Dashboard is the first-screen payload.
type Dashboard struct {
	Topics       []Topic          `json:"topics"`
	TopicsCount  int              `json:"topics_count"`
	Rooms        []RoomSummary    `json:"rooms"`
	RoomMessages []MessageSummary `json:"room_messages"`
}
