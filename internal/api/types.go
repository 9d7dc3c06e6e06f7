package api

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/inline/internal/protocol"
	"github.com/matheus3301/inline/internal/store"
)

type Empty struct{}

type StatusResponse struct {
	Session             string    `json:"session"`
	UserID              int64     `json:"userId"`
	State               string    `json:"state"`
	Since               time.Time `json:"since"`
	LastError           string    `json:"lastError,omitempty"`
	Connected           bool      `json:"connected"`
	PendingTransactions int       `json:"pendingTransactions"`
	PendingUpdates      int       `json:"pendingUpdates"`
	UptimeMs            int64     `json:"uptimeMs"`
}

type SendMessageRequest struct {
	Peer         protocol.Peer `json:"peer"`
	Text         string        `json:"text"`
	ReplyToMsgID int64         `json:"replyToMsgId,omitempty"`
}

type SendMessageResponse struct {
	TransactionID string `json:"transactionId"`
	LocalID       string `json:"localId"`
}

// TransactionResponse names the transaction an operation was queued as.
type TransactionResponse struct {
	TransactionID string `json:"transactionId"`
}

type EditMessageRequest struct {
	Peer      protocol.Peer `json:"peer"`
	MessageID int64         `json:"messageId"`
	Text      string        `json:"text"`
}

type DeleteMessagesRequest struct {
	Peer       protocol.Peer `json:"peer"`
	MessageIDs []int64       `json:"messageIds"`
}

type ReactionRequest struct {
	Peer      protocol.Peer `json:"peer"`
	MessageID int64         `json:"messageId"`
	Emoji     string        `json:"emoji"`
}

// CreateChatRequest creates a thread. With Wait set the call blocks until
// the server answered and returns the new chat.
type CreateChatRequest struct {
	SpaceID      int64   `json:"spaceId"`
	Title        string  `json:"title"`
	IsPublic     bool    `json:"isPublic,omitempty"`
	Participants []int64 `json:"participants,omitempty"`
	Wait         bool    `json:"wait,omitempty"`
}

type CreateChatResponse struct {
	TransactionID string         `json:"transactionId"`
	Chat          *protocol.Chat `json:"chat,omitempty"`
}

type DeleteChatRequest struct {
	Peer protocol.Peer `json:"peer"`
}

// TypingRequest broadcasts a compose action; an empty Action clears it.
type TypingRequest struct {
	Peer   protocol.Peer `json:"peer"`
	Action string        `json:"action,omitempty"`
}

type ListChatsRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

type Chat struct {
	Peer           protocol.Peer     `json:"peer"`
	ChatID         int64             `json:"chatId,omitempty"`
	Type           protocol.ChatType `json:"type"`
	SpaceID        int64             `json:"spaceId,omitempty"`
	Title          string            `json:"title,omitempty"`
	IsPublic       bool              `json:"isPublic,omitempty"`
	LastMsgID      int64             `json:"lastMsgId,omitempty"`
	LastMsgLocalID string            `json:"lastMsgLocalId,omitempty"`
	Date           int64             `json:"date,omitempty"`
}

type ListChatsResponse struct {
	Chats []Chat `json:"chats"`
}

// ListMessagesRequest pages backwards from BeforeRowID; 0 starts at the
// newest row.
type ListMessagesRequest struct {
	Peer        protocol.Peer `json:"peer"`
	BeforeRowID int64         `json:"beforeRowId,omitempty"`
	Limit       int           `json:"limit,omitempty"`
}

type Message struct {
	RowID        int64  `json:"rowId"`
	LocalID      string `json:"localId"`
	MessageID    int64  `json:"messageId,omitempty"`
	FromID       int64  `json:"fromId"`
	Text         string `json:"text"`
	ReplyToMsgID int64  `json:"replyToMsgId,omitempty"`
	Status       string `json:"status"`
	Date         int64  `json:"date"`
	EditDate     int64  `json:"editDate,omitempty"`
}

type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

type Transaction struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"lastError,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

type ListTransactionsResponse struct {
	Transactions []Transaction `json:"transactions"`
}

type CancelTransactionRequest struct {
	ID string `json:"id"`
}

// LocalMessageRequest addresses a row by its local id.
type LocalMessageRequest struct {
	LocalID string `json:"localId"`
}

type UserSettingsResponse struct {
	Settings protocol.UserSettings `json:"settings"`
	// Cached is set when the daemon was offline and answered from the
	// replica.
	Cached bool `json:"cached,omitempty"`
}

type UpdateUserSettingsRequest struct {
	Settings protocol.UserSettings `json:"settings"`
}

type WatchRequest struct {
	Namespace string `json:"namespace,omitempty"`
}

type Event struct {
	ID        string          `json:"id"`
	Session   string          `json:"session"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func chatFromStore(c store.Chat) Chat {
	return Chat{
		Peer:           c.Peer,
		ChatID:         c.ChatID,
		Type:           c.Type,
		SpaceID:        c.SpaceID,
		Title:          c.Title,
		IsPublic:       c.IsPublic,
		LastMsgID:      c.LastMsgID,
		LastMsgLocalID: c.LastMsgLocalID,
		Date:           c.Date,
	}
}

func messageFromStore(m store.Message) Message {
	return Message{
		RowID:        m.RowID,
		LocalID:      m.LocalID,
		MessageID:    m.MessageID,
		FromID:       m.FromID,
		Text:         m.Text,
		ReplyToMsgID: m.ReplyToMsgID,
		Status:       string(m.Status),
		Date:         m.Date,
		EditDate:     m.EditDate,
	}
}

func transactionFromStore(r store.TxRecord) Transaction {
	return Transaction{
		ID:        r.ID,
		Kind:      r.Kind,
		Status:    string(r.Status),
		Attempts:  r.Attempts,
		LastError: r.LastError,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}
