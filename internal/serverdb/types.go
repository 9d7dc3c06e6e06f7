package serverdb

import "github.com/matheus3301/inline/internal/crypto"

type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// CanModerate reports whether the role may delete threads and other
// members' messages.
func (r Role) CanModerate() bool {
	return r == RoleOwner || r == RoleAdmin
}

type User struct {
	ID         int64
	Name       string
	LastOnline int64
}

type Session struct {
	ID      int64
	UserID  int64
	Revoked bool
}

type Space struct {
	ID        int64
	Name      string
	CreatorID int64
}

type Member struct {
	SpaceID int64
	UserID  int64
	Role    Role
}

type Chat struct {
	ID           int64
	Type         string
	SpaceID      int64
	PublicThread bool
	MinUserID    int64
	MaxUserID    int64
	Title        string
	LastMsgID    int64
	CreatedAt    int64
}

// Chat types as stored in chats.type.
const (
	ChatTypePrivate = "private"
	ChatTypeThread  = "thread"
)

// IsPrivate reports whether the chat is a direct chat between two users.
func (c *Chat) IsPrivate() bool { return c.Type == ChatTypePrivate }

// IsThread reports whether the chat is a thread inside a space.
func (c *Chat) IsThread() bool { return c.Type == ChatTypeThread }

// Message is a stored message. Text is kept encrypted.
type Message struct {
	GlobalID     int64
	ChatID       int64
	MessageID    int64
	FromID       int64
	RandomID     int64
	Text         crypto.EncryptedField
	ReplyToMsgID int64
	Date         int64
	EditDate     int64
}

type Reaction struct {
	ChatID    int64
	MessageID int64
	UserID    int64
	Emoji     string
	Date      int64
}
