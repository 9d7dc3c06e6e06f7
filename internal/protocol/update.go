package protocol

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// UpdateKind tags an Update on the wire.
type UpdateKind int32

const (
	KindNewMessage          UpdateKind = 1
	KindMessageIDReassigned UpdateKind = 2
	KindMessagesDeleted     UpdateKind = 3
	KindMessageEdited       UpdateKind = 4
	KindReactionAdded       UpdateKind = 5
	KindReactionRemoved     UpdateKind = 6
	KindUserStatus          UpdateKind = 7
	KindComposeAction       UpdateKind = 8
	KindMessageAttachment   UpdateKind = 9
	KindNewChat             UpdateKind = 10
	KindChatDeleted         UpdateKind = 11
	KindUserSettings        UpdateKind = 12
)

var updateKindNames = map[UpdateKind]string{
	KindNewMessage:          "newMessage",
	KindMessageIDReassigned: "messageIdReassigned",
	KindMessagesDeleted:     "messagesDeleted",
	KindMessageEdited:       "messageEdited",
	KindReactionAdded:       "reactionAdded",
	KindReactionRemoved:     "reactionRemoved",
	KindUserStatus:          "userStatus",
	KindComposeAction:       "composeAction",
	KindMessageAttachment:   "messageAttachment",
	KindNewChat:             "newChat",
	KindChatDeleted:         "chatDeleted",
	KindUserSettings:        "userSettings",
}

func (k UpdateKind) String() string {
	if n, ok := updateKindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("update(%d)", int32(k))
}

// Update is a server-originated event. The set of implementations is closed;
// handlers implement UpdateVisitor so a new kind breaks every handler at
// compile time until it is handled.
type Update interface {
	Kind() UpdateKind
	Accept(v UpdateVisitor) error
}

// UpdateVisitor has one method per Update kind.
type UpdateVisitor interface {
	NewMessage(NewMessage) error
	MessageIDReassigned(MessageIDReassigned) error
	MessagesDeleted(MessagesDeleted) error
	MessageEdited(MessageEdited) error
	ReactionAdded(ReactionAdded) error
	ReactionRemoved(ReactionRemoved) error
	UserStatus(UserStatus) error
	ComposeAction(ComposeAction) error
	MessageAttachment(MessageAttachment) error
	NewChat(NewChat) error
	ChatDeleted(ChatDeleted) error
	UserSettingsChanged(UserSettingsChanged) error
}

type NewMessage struct {
	Message Message `json:"message"`
}

// MessageIDReassigned tells the sender which server id its optimistic
// message (matched by CorrelationID) received.
type MessageIDReassigned struct {
	ChatID        int64 `json:"chatId"`
	MessageID     int64 `json:"messageId"`
	CorrelationID int64 `json:"correlationId"`
}

type MessagesDeleted struct {
	ChatID     int64   `json:"chatId"`
	MessageIDs []int64 `json:"messageIds"`
}

type MessageEdited struct {
	Message Message `json:"message"`
}

type ReactionAdded struct {
	Reaction Reaction `json:"reaction"`
}

type ReactionRemoved struct {
	ChatID    int64  `json:"chatId"`
	MessageID int64  `json:"messageId"`
	UserID    int64  `json:"userId"`
	Emoji     string `json:"emoji"`
}

type UserStatus struct {
	UserID     int64 `json:"userId"`
	Online     bool  `json:"online"`
	LastOnline int64 `json:"lastOnline,omitempty"`
}

// ComposeAction is a typing indicator. An empty Action clears it.
type ComposeAction struct {
	ChatID int64  `json:"chatId"`
	UserID int64  `json:"userId"`
	Action string `json:"action,omitempty"`
}

type MessageAttachment struct {
	ChatID     int64      `json:"chatId"`
	MessageID  int64      `json:"messageId"`
	Attachment Attachment `json:"attachment"`
}

type NewChat struct {
	Chat Chat `json:"chat"`
}

type ChatDeleted struct {
	ChatID int64 `json:"chatId"`
}

type UserSettingsChanged struct {
	Settings UserSettings `json:"settings"`
}

func (NewMessage) Kind() UpdateKind          { return KindNewMessage }
func (MessageIDReassigned) Kind() UpdateKind { return KindMessageIDReassigned }
func (MessagesDeleted) Kind() UpdateKind     { return KindMessagesDeleted }
func (MessageEdited) Kind() UpdateKind       { return KindMessageEdited }
func (ReactionAdded) Kind() UpdateKind       { return KindReactionAdded }
func (ReactionRemoved) Kind() UpdateKind     { return KindReactionRemoved }
func (UserStatus) Kind() UpdateKind          { return KindUserStatus }
func (ComposeAction) Kind() UpdateKind       { return KindComposeAction }
func (MessageAttachment) Kind() UpdateKind   { return KindMessageAttachment }
func (NewChat) Kind() UpdateKind             { return KindNewChat }
func (ChatDeleted) Kind() UpdateKind         { return KindChatDeleted }
func (UserSettingsChanged) Kind() UpdateKind { return KindUserSettings }

func (u NewMessage) Accept(v UpdateVisitor) error          { return v.NewMessage(u) }
func (u MessageIDReassigned) Accept(v UpdateVisitor) error { return v.MessageIDReassigned(u) }
func (u MessagesDeleted) Accept(v UpdateVisitor) error     { return v.MessagesDeleted(u) }
func (u MessageEdited) Accept(v UpdateVisitor) error       { return v.MessageEdited(u) }
func (u ReactionAdded) Accept(v UpdateVisitor) error       { return v.ReactionAdded(u) }
func (u ReactionRemoved) Accept(v UpdateVisitor) error     { return v.ReactionRemoved(u) }
func (u UserStatus) Accept(v UpdateVisitor) error          { return v.UserStatus(u) }
func (u ComposeAction) Accept(v UpdateVisitor) error       { return v.ComposeAction(u) }
func (u MessageAttachment) Accept(v UpdateVisitor) error   { return v.MessageAttachment(u) }
func (u NewChat) Accept(v UpdateVisitor) error             { return v.NewChat(u) }
func (u ChatDeleted) Accept(v UpdateVisitor) error         { return v.ChatDeleted(u) }
func (u UserSettingsChanged) Accept(v UpdateVisitor) error { return v.UserSettingsChanged(u) }

// Update wire form: field 1 kind (varint), field 2 body (JSON bytes).
const (
	updateFieldKind protowire.Number = 1
	updateFieldBody protowire.Number = 2
)

// MarshalUpdate encodes one update.
func MarshalUpdate(u Update) ([]byte, error) {
	body, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", u.Kind(), err)
	}
	var b []byte
	b = protowire.AppendTag(b, updateFieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(u.Kind()))
	b = protowire.AppendTag(b, updateFieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	return b, nil
}

// UnmarshalUpdate decodes one update. Unknown kinds are an error.
func UnmarshalUpdate(b []byte) (Update, error) {
	var (
		kind UpdateKind
		body []byte
	)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case updateFieldKind:
			kind = UpdateKind(x)
		case updateFieldBody:
			body = v
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	return decodeUpdateBody(kind, body)
}

func decodeUpdateBody(kind UpdateKind, body []byte) (Update, error) {
	switch kind {
	case KindNewMessage:
		return decodeAs[NewMessage](body)
	case KindMessageIDReassigned:
		return decodeAs[MessageIDReassigned](body)
	case KindMessagesDeleted:
		return decodeAs[MessagesDeleted](body)
	case KindMessageEdited:
		return decodeAs[MessageEdited](body)
	case KindReactionAdded:
		return decodeAs[ReactionAdded](body)
	case KindReactionRemoved:
		return decodeAs[ReactionRemoved](body)
	case KindUserStatus:
		return decodeAs[UserStatus](body)
	case KindComposeAction:
		return decodeAs[ComposeAction](body)
	case KindMessageAttachment:
		return decodeAs[MessageAttachment](body)
	case KindNewChat:
		return decodeAs[NewChat](body)
	case KindChatDeleted:
		return decodeAs[ChatDeleted](body)
	case KindUserSettings:
		return decodeAs[UserSettingsChanged](body)
	default:
		return nil, fmt.Errorf("unknown update kind %d", int32(kind))
	}
}

func decodeAs[T Update](body []byte) (Update, error) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", v.Kind(), err)
	}
	return v, nil
}

// MarshalUpdates encodes a batch, preserving order.
func MarshalUpdates(updates []Update) ([][]byte, error) {
	out := make([][]byte, 0, len(updates))
	for _, u := range updates {
		b, err := MarshalUpdate(u)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// UnmarshalUpdates decodes a batch, preserving order.
func UnmarshalUpdates(raw [][]byte) ([]Update, error) {
	out := make([]Update, 0, len(raw))
	for _, b := range raw {
		u, err := UnmarshalUpdate(b)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// UpdateList carries updates inside JSON RPC results.
type UpdateList []Update

func (l UpdateList) MarshalJSON() ([]byte, error) {
	raw, err := MarshalUpdates(l)
	if err != nil {
		return nil, err
	}
	return json.Marshal(raw)
}

func (l *UpdateList) UnmarshalJSON(b []byte) error {
	var raw [][]byte
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	ups, err := UnmarshalUpdates(raw)
	if err != nil {
		return err
	}
	*l = ups
	return nil
}
