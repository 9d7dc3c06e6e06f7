package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/matheus3301/inline/internal/protocol"
)

// PeerKey is the local key of a conversation. Direct chats are keyed by the
// other user so an optimistic send can land before the server chat id is
// known.
func PeerKey(p protocol.Peer) string {
	if p.IsThread() {
		return "thread:" + strconv.FormatInt(p.ThreadID, 10)
	}
	return "user:" + strconv.FormatInt(p.UserID, 10)
}

// ParsePeerKey is the inverse of PeerKey.
func ParsePeerKey(key string) (protocol.Peer, error) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok {
		return protocol.Peer{}, fmt.Errorf("malformed peer key %q", key)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return protocol.Peer{}, fmt.Errorf("malformed peer key %q: %w", key, err)
	}
	switch kind {
	case "user":
		return protocol.UserPeer(n), nil
	case "thread":
		return protocol.ThreadPeer(n), nil
	}
	return protocol.Peer{}, fmt.Errorf("malformed peer key %q", key)
}

// Chat represents a synced conversation.
type Chat struct {
	Peer           protocol.Peer
	ChatID         int64 // 0 until the server id is known
	Type           protocol.ChatType
	SpaceID        int64
	Title          string
	IsPublic       bool
	LastMsgID      int64
	LastMsgLocalID string
	Date           int64
}

// MessageStatus is the delivery state of a local message row.
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// Message represents one row of the replica. MessageID is 0 while the row
// is optimistic; LocalID never changes.
type Message struct {
	RowID         int64
	LocalID       string
	Peer          protocol.Peer
	MessageID     int64
	CorrelationID int64
	FromID        int64
	Text          string
	ReplyToMsgID  int64
	Status        MessageStatus
	Date          int64
	EditDate      int64
}

type Reaction struct {
	Peer      protocol.Peer
	MessageID int64
	UserID    int64
	Emoji     string
	Date      int64
}

type Attachment struct {
	Peer      protocol.Peer
	MessageID int64
	protocol.Attachment
}

// TxStatus is the lifecycle state of a queued transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxExecuting TxStatus = "executing"
	TxSucceeded TxStatus = "succeeded"
	TxFailed    TxStatus = "failed"
	TxCancelled TxStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s TxStatus) Terminal() bool {
	return s == TxSucceeded || s == TxFailed || s == TxCancelled
}

// TxRecord is the persisted form of a queued transaction.
type TxRecord struct {
	Seq       int64
	ID        string
	Kind      string
	Payload   []byte
	Status    TxStatus
	Attempts  int
	LastError string
	CreatedAt int64
	UpdatedAt int64
}
