package protocol

// Peer addresses a conversation from one user's point of view. Exactly one
// of UserID (direct chat with that user) or ThreadID (a thread chat) is set.
type Peer struct {
	UserID   int64 `json:"userId,omitempty"`
	ThreadID int64 `json:"threadId,omitempty"`
}

func UserPeer(userID int64) Peer   { return Peer{UserID: userID} }
func ThreadPeer(chatID int64) Peer { return Peer{ThreadID: chatID} }
func (p Peer) IsUser() bool        { return p.UserID != 0 && p.ThreadID == 0 }
func (p Peer) IsThread() bool      { return p.ThreadID != 0 && p.UserID == 0 }
func (p Peer) Valid() bool         { return p.IsUser() || p.IsThread() }

type ChatType string

const (
	ChatPrivate ChatType = "private"
	ChatThread  ChatType = "thread"
)

type Chat struct {
	ID        int64    `json:"id"`
	Type      ChatType `json:"type"`
	SpaceID   int64    `json:"spaceId,omitempty"`
	IsPublic  bool     `json:"isPublic,omitempty"`
	Title     string   `json:"title,omitempty"`
	PeerUser  int64    `json:"peerUserId,omitempty"`
	LastMsgID int64    `json:"lastMsgId,omitempty"`
	Date      int64    `json:"date"`
}

type Message struct {
	ID            int64  `json:"id"`
	ChatID        int64  `json:"chatId"`
	Peer          Peer   `json:"peer"`
	FromID        int64  `json:"fromId"`
	Text          string `json:"text,omitempty"`
	ReplyToMsgID  int64  `json:"replyToMsgId,omitempty"`
	CorrelationID int64  `json:"correlationId,omitempty"`
	Date          int64  `json:"date"`
	EditDate      int64  `json:"editDate,omitempty"`
}

type Reaction struct {
	ChatID    int64  `json:"chatId"`
	MessageID int64  `json:"messageId"`
	UserID    int64  `json:"userId"`
	Emoji     string `json:"emoji"`
	Date      int64  `json:"date"`
}

type Attachment struct {
	ID    int64  `json:"id"`
	Kind  string `json:"kind"`
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// UserSettings mirrors the server's per-user settings document.
type UserSettings struct {
	General map[string]any `json:"general,omitempty"`
}
