package core

import "time"

// User is the full account representation returned by the identity
// endpoint and the profile update endpoint.
type User struct {
	ID        int       `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Avatar    *string   `json:"avatar"`
	Bio       string    `json:"bio"`
	LastLogin time.Time `json:"last_login"`
}

// UserSummary is the minimal user shape embedded in rooms, messages and
// participant lists.
type UserSummary struct {
	ID        int     `json:"id"`
	FirstName string  `json:"first_name"`
	Avatar    *string `json:"avatar"`
}

func (u User) Summary() UserSummary {
	return UserSummary{ID: u.ID, FirstName: u.FirstName, Avatar: u.Avatar}
}

// Participant is a member of a room, listed in join order.
type Participant = UserSummary

// UserProfile is the public profile of a user together with their recent
// activity.
type UserProfile struct {
	User         UserSummary      `json:"user"`
	Rooms        []RoomSummary    `json:"rooms"`
	RoomMessages []MessageSummary `json:"room_messages"`
	Topics       []Topic          `json:"topics"`
	TopicsCount  int              `json:"topics_count"`
}
