package core

// LoginInput is the credential exchange request.
type LoginInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (in LoginInput) Validate() error {
	return Validate(in)
}

// RegisterInput creates an account. Password2 is the confirmation and is not
// sent to the server.
type RegisterInput struct {
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"first_name" validate:"required,excludesall=<>"`
	LastName  string `json:"last_name" validate:"required,excludesall=<>"`
	Password  string `json:"password" validate:"required,min=8"`
	Password2 string `json:"-" validate:"required,eqfield=Password"`
}

func (in RegisterInput) Validate() error {
	return Validate(in)
}

// RoomInput creates or updates a room. Topic is the topic name; the server
// creates the topic when it does not exist yet.
type RoomInput struct {
	Topic           string `json:"topic" validate:"required"`
	RoomName        string `json:"room_name" validate:"required"`
	RoomDescription string `json:"room_description" validate:"required"`
}

func (in RoomInput) Validate() error {
	return Validate(in)
}

// ProfileInput is a partial profile update. Empty fields are left unchanged.
// Avatar is the path of an image file to upload.
type ProfileInput struct {
	FirstName string `json:"first_name" validate:"omitempty,excludesall=<>"`
	LastName  string `json:"last_name" validate:"omitempty,excludesall=<>"`
	Email     string `json:"email" validate:"omitempty,email"`
	Bio       string `json:"bio" validate:"omitempty,excludesall=<>,max=500"`
	Avatar    string `json:"-"`
}

func (in ProfileInput) Validate() error {
	return Validate(in)
}

// MessageInput is the body of a message posted over HTTP.
type MessageInput struct {
	Body string `json:"body" validate:"required"`
}

func (in MessageInput) Validate() error {
	return Validate(in)
}
