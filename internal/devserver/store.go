package devserver

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/putto11262002/chatcampus/core"
	"golang.org/x/crypto/bcrypt"
)

const (
	dashboardRooms    = 10
	dashboardMessages = 10
	profileRooms      = 10
	profileMessages   = 8
	topTopics         = 5
)

type account struct {
	core.User
	hash []byte
}

type room struct {
	core.Room
	topicID      int
	participants []int
}

type message struct {
	core.Message
	roomID int
}

// store is the in-memory data set served by the dev backend. All methods are
// safe for concurrent use.
type store struct {
	mu sync.RWMutex

	lastID   int
	users    map[int]*account
	emails   map[string]int
	topics   map[int]*core.Topic
	rooms    map[int]*room
	messages map[int]*message

	now  func() time.Time
	cost int
}

func newStore() *store {
	return &store{
		users:    make(map[int]*account),
		emails:   make(map[string]int),
		topics:   make(map[int]*core.Topic),
		rooms:    make(map[int]*room),
		messages: make(map[int]*message),
		now:      time.Now,
		cost:     bcrypt.DefaultCost,
	}
}

func (s *store) nextID() int {
	s.lastID++
	return s.lastID
}

func (s *store) createUser(in core.RegisterInput) (core.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return core.User{}, fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(in.Email)
	if _, ok := s.emails[email]; ok {
		return core.User{}, fmt.Errorf("email %s: %w", in.Email, core.ErrConflict)
	}
	a := &account{
		User: core.User{
			ID:        s.nextID(),
			Email:     in.Email,
			FirstName: in.FirstName,
			LastName:  in.LastName,
		},
		hash: hash,
	}
	s.users[a.ID] = a
	s.emails[email] = a.ID
	return a.User, nil
}

// authenticate checks the credentials and records the login time.
func (s *store) authenticate(email, password string) (core.User, error) {
	s.mu.RLock()
	id, ok := s.emails[strings.ToLower(email)]
	var hash []byte
	if ok {
		hash = s.users[id].hash
	}
	s.mu.RUnlock()
	if !ok {
		return core.User{}, core.ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return core.User{}, core.ErrBadCredentials
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.users[id]
	if !ok {
		return core.User{}, core.ErrBadCredentials
	}
	a.LastLogin = s.now()
	return a.User, nil
}

// externalUser signs in an account vouched for by an identity provider. The
// account is created on first use and its names follow the provider's. It has
// no password, so it cannot sign in with credentials.
func (s *store) externalUser(email, firstName, lastName string) (core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(email)
	a, ok := s.users[s.emails[key]]
	if !ok {
		a = &account{User: core.User{ID: s.nextID(), Email: email}}
		s.users[a.ID] = a
		s.emails[key] = a.ID
	}
	a.FirstName = firstName
	a.LastName = lastName
	a.LastLogin = s.now()
	return a.User, nil
}

func (s *store) user(id int) (core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.users[id]
	if !ok {
		return core.User{}, fmt.Errorf("user %d: %w", id, core.ErrNotFound)
	}
	return a.User, nil
}

type profilePatch struct {
	FirstName *string
	LastName  *string
	Email     *string
	Bio       *string
	Avatar    *string
}

func (s *store) updateUser(id int, p profilePatch) (core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.users[id]
	if !ok {
		return core.User{}, fmt.Errorf("user %d: %w", id, core.ErrNotFound)
	}
	if p.Email != nil {
		email := strings.ToLower(*p.Email)
		if other, ok := s.emails[email]; ok && other != id {
			return core.User{}, fmt.Errorf("email %s: %w", *p.Email, core.ErrConflict)
		}
		delete(s.emails, strings.ToLower(a.Email))
		s.emails[email] = id
		a.Email = *p.Email
	}
	if p.FirstName != nil {
		a.FirstName = *p.FirstName
	}
	if p.LastName != nil {
		a.LastName = *p.LastName
	}
	if p.Bio != nil {
		a.Bio = *p.Bio
	}
	if p.Avatar != nil {
		a.Avatar = p.Avatar
	}
	return a.User, nil
}

func (s *store) summary(id int) core.UserSummary {
	if a, ok := s.users[id]; ok {
		return a.Summary()
	}
	return core.UserSummary{ID: id}
}

// topicByName returns the topic with the given name, creating it when it
// does not exist. Callers hold the write lock.
func (s *store) topicByName(name string) *core.Topic {
	for _, t := range s.topics {
		if strings.EqualFold(t.TopicName, name) {
			return t
		}
	}
	t := &core.Topic{ID: s.nextID(), TopicName: name}
	s.topics[t.ID] = t
	return t
}

func (s *store) createRoom(owner int, in core.RoomInput) (core.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[owner]; !ok {
		return core.Room{}, fmt.Errorf("user %d: %w", owner, core.ErrNotFound)
	}
	t := s.topicByName(in.Topic)
	t.RoomCount++
	r := &room{
		Room: core.Room{
			ID:              s.nextID(),
			RoomName:        in.RoomName,
			RoomDescription: in.RoomDescription,
			Owner:           s.summary(owner),
			CreatedAt:       s.now(),
			TopicDetails:    core.TopicName{TopicName: t.TopicName},
		},
		topicID:      t.ID,
		participants: []int{owner},
	}
	s.rooms[r.ID] = r
	return r.Room, nil
}

func (s *store) ownedRoom(owner, id int) (*room, error) {
	r, ok := s.rooms[id]
	if !ok {
		return nil, fmt.Errorf("room %d: %w", id, core.ErrNotFound)
	}
	if r.Owner.ID != owner {
		return nil, fmt.Errorf("room %d: %w", id, core.ErrForbidden)
	}
	return r, nil
}

// updateRoom applies the non-empty fields of in.
func (s *store) updateRoom(owner, id int, in core.RoomInput) (core.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.ownedRoom(owner, id)
	if err != nil {
		return core.Room{}, err
	}
	if in.Topic != "" {
		s.topics[r.topicID].RoomCount--
		t := s.topicByName(in.Topic)
		t.RoomCount++
		r.topicID = t.ID
		r.TopicDetails = core.TopicName{TopicName: t.TopicName}
	}
	if in.RoomName != "" {
		r.RoomName = in.RoomName
	}
	if in.RoomDescription != "" {
		r.RoomDescription = in.RoomDescription
	}
	return r.Room, nil
}

func (s *store) deleteRoom(owner, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.ownedRoom(owner, id)
	if err != nil {
		return err
	}
	s.topics[r.topicID].RoomCount--
	for mid, m := range s.messages {
		if m.roomID == id {
			delete(s.messages, mid)
		}
	}
	delete(s.rooms, id)
	return nil
}

func (s *store) roomDetail(id int) (core.RoomDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return core.RoomDetail{}, fmt.Errorf("room %d: %w", id, core.ErrNotFound)
	}
	d := core.RoomDetail{
		Room:         r.Room,
		Participants: make([]core.Participant, 0, len(r.participants)),
		Messages:     []core.Message{},
	}
	for _, uid := range r.participants {
		d.Participants = append(d.Participants, s.summary(uid))
	}
	for _, m := range s.messages {
		if m.roomID == id {
			d.Messages = append(d.Messages, m.Message)
		}
	}
	slices.SortFunc(d.Messages, func(a, b core.Message) int { return cmp.Compare(a.ID, b.ID) })
	return d, nil
}

// createMessage stores a message and makes its owner a participant.
func (s *store) createMessage(owner, roomID int, body string) (core.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return core.Message{}, errEmptyBody
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return core.Message{}, fmt.Errorf("room %d: %w", roomID, core.ErrNotFound)
	}
	m := &message{
		Message: core.Message{
			ID:        s.nextID(),
			Body:      body,
			CreatedAt: s.now(),
			Owner:     s.summary(owner),
		},
		roomID: roomID,
	}
	s.messages[m.ID] = m
	if !slices.Contains(r.participants, owner) {
		r.participants = append(r.participants, owner)
	}
	return m.Message, nil
}

// deleteMessage removes a message owned by owner and returns its room.
func (s *store) deleteMessage(owner, id int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return 0, fmt.Errorf("message %d: %w", id, core.ErrNotFound)
	}
	if m.Owner.ID != owner {
		return 0, fmt.Errorf("message %d: %w", id, core.ErrForbidden)
	}
	delete(s.messages, id)
	return m.roomID, nil
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// sortedTopics returns topics by room count, most used first. Callers hold
// the read lock.
func (s *store) sortedTopics(q string) []core.Topic {
	topics := make([]core.Topic, 0, len(s.topics))
	for _, t := range s.topics {
		if q == "" || containsFold(t.TopicName, q) {
			topics = append(topics, *t)
		}
	}
	slices.SortFunc(topics, func(a, b core.Topic) int {
		if c := cmp.Compare(b.RoomCount, a.RoomCount); c != 0 {
			return c
		}
		return cmp.Compare(a.TopicName, b.TopicName)
	})
	return topics
}

func (s *store) topicList(q string) []core.Topic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedTopics(q)
}

func (s *store) roomSummary(r *room) core.RoomSummary {
	return core.RoomSummary{
		ID:                r.ID,
		RoomName:          r.RoomName,
		Owner:             s.summary(r.Owner.ID),
		CreatedAt:         r.CreatedAt,
		ParticipantsCount: len(r.participants),
		TopicDetails:      r.TopicDetails,
	}
}

func (s *store) messageSummary(m *message) core.MessageSummary {
	return core.MessageSummary{
		ID:        m.ID,
		Body:      m.Body,
		CreatedAt: m.CreatedAt,
		Owner:     s.summary(m.Owner.ID),
		Room:      core.RoomRef{ID: m.roomID, RoomName: s.rooms[m.roomID].RoomName},
	}
}

// newestRooms returns up to n rooms matching keep, newest first.
func (s *store) newestRooms(n int, keep func(*room) bool) []core.RoomSummary {
	var rooms []*room
	for _, r := range s.rooms {
		if keep(r) {
			rooms = append(rooms, r)
		}
	}
	slices.SortFunc(rooms, func(a, b *room) int { return cmp.Compare(b.ID, a.ID) })
	out := make([]core.RoomSummary, 0, min(n, len(rooms)))
	for _, r := range rooms[:min(n, len(rooms))] {
		out = append(out, s.roomSummary(r))
	}
	return out
}

func (s *store) newestMessages(n int, keep func(*message) bool) []core.MessageSummary {
	var msgs []*message
	for _, m := range s.messages {
		if keep(m) {
			msgs = append(msgs, m)
		}
	}
	slices.SortFunc(msgs, func(a, b *message) int { return cmp.Compare(b.ID, a.ID) })
	out := make([]core.MessageSummary, 0, min(n, len(msgs)))
	for _, m := range msgs[:min(n, len(msgs))] {
		out = append(out, s.messageSummary(m))
	}
	return out
}

// dashboard matches rooms on topic, name or description and activity on the
// room's topic.
func (s *store) dashboard(q string) core.Dashboard {
	s.mu.RLock()
	defer s.mu.RUnlock()

	topics := s.sortedTopics("")
	return core.Dashboard{
		Topics:      topics[:min(topTopics, len(topics))],
		TopicsCount: len(topics),
		Rooms: s.newestRooms(dashboardRooms, func(r *room) bool {
			return containsFold(r.TopicDetails.TopicName, q) ||
				containsFold(r.RoomName, q) ||
				containsFold(r.RoomDescription, q)
		}),
		RoomMessages: s.newestMessages(dashboardMessages, func(m *message) bool {
			return containsFold(s.rooms[m.roomID].TopicDetails.TopicName, q)
		}),
	}
}

func (s *store) profile(id int) (core.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.users[id]
	if !ok {
		return core.UserProfile{}, fmt.Errorf("user %d: %w", id, core.ErrNotFound)
	}
	topics := s.sortedTopics("")
	return core.UserProfile{
		User:         a.Summary(),
		Rooms:        s.newestRooms(profileRooms, func(r *room) bool { return r.Owner.ID == id }),
		RoomMessages: s.newestMessages(profileMessages, func(m *message) bool { return m.Owner.ID == id }),
		Topics:       topics[:min(topTopics, len(topics))],
		TopicsCount:  len(topics),
	}, nil
}
