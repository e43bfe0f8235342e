package chat

import (
	"context"
	"sort"
	"sync"

	"github.com/tokmz/qichat/pkg/errors"
)

// memStore 内存实现的全部协作方
type memStore struct {
	mu sync.Mutex

	users     map[string]*User
	banned    map[string]bool
	friends   map[[2]string]bool
	servers   map[string][]string // user -> servers
	perms     map[string]bool     // server|user|channel|perm
	messages  map[string]*Message
	unread    map[[2]string]int64
	reactions map[string]map[string]map[string]bool // message -> emoji -> user

	creates int
	txs     int
}

func newMemStore() *memStore {
	return &memStore{
		users:     make(map[string]*User),
		banned:    make(map[string]bool),
		friends:   make(map[[2]string]bool),
		servers:   make(map[string][]string),
		perms:     make(map[string]bool),
		messages:  make(map[string]*Message),
		unread:    make(map[[2]string]int64),
		reactions: make(map[string]map[string]map[string]bool),
	}
}

func (s *memStore) addUser(id string) *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &User{ID: id, Username: "name-" + id, Status: "online"}
	s.users[id] = u
	return u
}

func (s *memStore) befriend(a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.friends[[2]string{a, b}] = true
	s.friends[[2]string{b, a}] = true
}

func (s *memStore) join(userID, serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[userID] = append(s.servers[userID], serverID)
}

func (s *memStore) grant(serverID, userID, channelID string, perm Permission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perms[serverID+"|"+userID+"|"+channelID+"|"+string(perm)] = true
}

func (s *memStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *memStore) deps(tokens TokenVerifier) Deps {
	return Deps{
		Users:       s,
		Friends:     friendStore{s},
		Members:     s,
		Messages:    messageStore{s},
		Unread:      s,
		Reactions:   s,
		Permissions: s,
		Tx:          s,
		Tokens:      tokens,
	}
}

// UserStore

func (s *memStore) FindByID(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (s *memStore) FindByIDs(_ context.Context, ids []string) ([]*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*User, 0, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			c := *u
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *memStore) IsBanned(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.banned[id], nil
}

func (s *memStore) UpdateStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return errors.ErrNotFound
	}
	u.Status = status
	return nil
}

// FriendshipStore（与 UserStore.FindByID 重名，单独包装）

type friendStore struct{ s *memStore }

func (f friendStore) AreFriends(_ context.Context, a, b string) (bool, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.friends[[2]string{a, b}], nil
}

func (f friendStore) FindByUserID(_ context.Context, userID string) ([]Friendship, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []Friendship
	for pair := range f.s.friends {
		if pair[0] == userID {
			out = append(out, Friendship{UserID: userID, FriendID: pair[1]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FriendID < out[j].FriendID })
	return out, nil
}

// MemberStore

func (s *memStore) ServerIDs(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.servers[userID]...), nil
}

func (s *memStore) IsMember(_ context.Context, serverID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.servers[userID] {
		if id == serverID {
			return true, nil
		}
	}
	return false, nil
}

// MessageStore

type messageStore struct{ s *memStore }

func (m messageStore) Create(_ context.Context, msg *Message) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c := *msg
	m.s.messages[msg.ID] = &c
	m.s.creates++
	return nil
}

func (m messageStore) FindByID(_ context.Context, id string) (*Message, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	msg, ok := m.s.messages[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	c := *msg
	return &c, nil
}

func (m messageStore) Update(_ context.Context, msg *Message) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.messages[msg.ID]; !ok {
		return errors.ErrNotFound
	}
	c := *msg
	m.s.messages[msg.ID] = &c
	return nil
}

func (m messageStore) Delete(_ context.Context, id string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	delete(m.s.messages, id)
	return nil
}

// UnreadStore

func (s *memStore) Increment(_ context.Context, userID, peerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := [2]string{userID, peerID}
	s.unread[k]++
	return s.unread[k], nil
}

func (s *memStore) Reset(_ context.Context, userID, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.unread, [2]string{userID, peerID})
	return nil
}

func (s *memStore) Get(_ context.Context, userID, peerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[[2]string{userID, peerID}], nil
}

// ReactionStore

func (s *memStore) AddReaction(_ context.Context, messageID, userID, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byEmoji, ok := s.reactions[messageID]
	if !ok {
		byEmoji = make(map[string]map[string]bool)
		s.reactions[messageID] = byEmoji
	}
	if byEmoji[emoji][userID] {
		return errors.ErrConflict.WithMessage("already reacted")
	}
	if _, ok := byEmoji[emoji]; !ok {
		if len(byEmoji) >= 20 {
			return errors.ErrBadRequest.WithMessage("too many distinct reactions")
		}
		byEmoji[emoji] = make(map[string]bool)
	}
	byEmoji[emoji][userID] = true
	return nil
}

func (s *memStore) RemoveReaction(_ context.Context, messageID, userID, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reactions[messageID][emoji][userID] {
		return errors.ErrNotFound.WithMessage("reaction not found")
	}
	delete(s.reactions[messageID][emoji], userID)
	if len(s.reactions[messageID][emoji]) == 0 {
		delete(s.reactions[messageID], emoji)
	}
	return nil
}

// PermissionChecker

func (s *memStore) HasChannelPermission(_ context.Context, serverID, userID, channelID string, perm Permission) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perms[serverID+"|"+userID+"|"+channelID+"|"+string(perm)], nil
}

// Transactor

func (s *memStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	s.txs++
	s.mu.Unlock()
	return fn(ctx)
}
