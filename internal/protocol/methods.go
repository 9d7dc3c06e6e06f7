package protocol

// Method names accepted by the server dispatcher.
const (
	MethodSendMessage        = "sendMessage"
	MethodEditMessage        = "editMessage"
	MethodDeleteMessages     = "deleteMessages"
	MethodAddReaction        = "addReaction"
	MethodDeleteReaction     = "deleteReaction"
	MethodCreateChat         = "createChat"
	MethodDeleteChat         = "deleteChat"
	MethodGetUserSettings    = "getUserSettings"
	MethodUpdateUserSettings = "updateUserSettings"
	MethodSendComposeAction  = "sendComposeAction"
	MethodGetChatHistory     = "getChatHistory"
)

// MaxTextLength bounds message text and any other encrypted text field.
const MaxTextLength = 20_000

type SendMessageInput struct {
	Peer          Peer   `json:"peer"`
	Text          string `json:"text"`
	CorrelationID int64  `json:"correlationId"`
	ReplyToMsgID  int64  `json:"replyToMsgId,omitempty"`
}

// UpdatesResult is returned by mutating methods. The updates are the
// caller's view of the change and are applied by the caller directly.
type UpdatesResult struct {
	Updates UpdateList `json:"updates"`
}

type EditMessageInput struct {
	Peer      Peer   `json:"peer"`
	MessageID int64  `json:"messageId"`
	Text      string `json:"text"`
}

type DeleteMessagesInput struct {
	Peer       Peer    `json:"peer"`
	MessageIDs []int64 `json:"messageIds"`
}

type ReactionInput struct {
	Peer      Peer   `json:"peer"`
	MessageID int64  `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type CreateChatInput struct {
	SpaceID      int64   `json:"spaceId"`
	Title        string  `json:"title"`
	IsPublic     bool    `json:"isPublic"`
	Participants []int64 `json:"participants,omitempty"`
}

type CreateChatResult struct {
	Chat    Chat       `json:"chat"`
	Updates UpdateList `json:"updates"`
}

type DeleteChatInput struct {
	Peer Peer `json:"peer"`
}

type GetUserSettingsResult struct {
	Settings UserSettings `json:"settings"`
}

type UpdateUserSettingsInput struct {
	Settings UserSettings `json:"settings"`
}

type SendComposeActionInput struct {
	Peer   Peer   `json:"peer"`
	Action string `json:"action,omitempty"`
}

type GetChatHistoryInput struct {
	Peer     Peer  `json:"peer"`
	OffsetID int64 `json:"offsetId,omitempty"`
	Limit    int   `json:"limit,omitempty"`
}

type GetChatHistoryResult struct {
	Messages []Message `json:"messages"`
}

// Empty is the result of methods that return nothing.
type Empty struct{}
