package domain

// Chat events share the transport with call signaling. The call core does
// not interpret them; the relay only routes typing indicators.
const (
	EventJoin             = "join"
	EventJoinConversation = "joinConversation"
	EventGetMessages      = "getMessages"
	EventSendMessage      = "sendMessage"
	EventTyping           = "typing"

	EventTypingStatus     = "typingStatus"
	EventReceiveMessage   = "receiveMessage"
	EventMessageList      = "messageList"
	EventConversationList = "conversationList"
	EventNewConversation  = "newConversation"
)

type TypingPayload struct {
	SenderID   ParticipantID `json:"senderId"`
	ReceiverID ParticipantID `json:"receiverId"`
	IsTyping   bool          `json:"isTyping"`
}

type TypingStatusPayload struct {
	SenderID ParticipantID `json:"senderId"`
	IsTyping bool          `json:"isTyping"`
}
