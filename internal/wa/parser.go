package wa

import (
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/dmarquesp/wahub/internal/store"
)

// ParseLiveMessage normalizes a live whatsmeow message event. Chat and
// sender JIDs are stripped of device suffixes so history sync and live
// delivery agree on chat identity.
func ParseLiveMessage(sessionID string, evt *events.Message) *store.Message {
	return &store.Message{
		SessionID:   sessionID,
		ChatID:      evt.Info.Chat.ToNonAD().String(),
		MsgID:       evt.Info.ID,
		SenderJID:   evt.Info.Sender.ToNonAD().String(),
		SenderName:  evt.Info.PushName,
		Body:        extractTextBody(evt.Message),
		MessageType: detectMessageType(evt.Message),
		FromMe:      evt.Info.IsFromMe,
		HasMedia:    hasMedia(evt.Message),
		AckLevel:    ackForDirection(evt.Info.IsFromMe),
		Timestamp:   evt.Info.Timestamp.UnixMilli(),
	}
}

// ParseHistoryConversation normalizes one conversation from a history sync
// payload into a listing entry plus its messages in delivery order.
func ParseHistoryConversation(sessionID string, conv *waHistorySync.Conversation) (Conversation, []*store.Message) {
	chatID := conv.GetID()
	out := Conversation{
		ChatID:        chatID,
		Name:          conv.GetName(),
		IsGroup:       strings.HasSuffix(chatID, "@"+types.GroupServer),
		UnreadCount:   int(conv.GetUnreadCount()),
		LastMessageAt: int64(conv.GetConversationTimestamp()) * 1000,
	}

	var msgs []*store.Message
	for _, hm := range conv.GetMessages() {
		wmsg := hm.GetMessage()
		if wmsg == nil || wmsg.GetMessage() == nil {
			continue
		}
		content := wmsg.GetMessage()
		fromMe := wmsg.GetKey().GetFromMe()
		msgs = append(msgs, &store.Message{
			SessionID:   sessionID,
			ChatID:      chatID,
			MsgID:       wmsg.GetKey().GetID(),
			SenderJID:   wmsg.GetKey().GetParticipant(),
			Body:        extractTextBody(content),
			MessageType: detectMessageType(content),
			FromMe:      fromMe,
			HasMedia:    hasMedia(content),
			AckLevel:    ackForDirection(fromMe),
			Timestamp:   int64(wmsg.GetMessageTimestamp()) * 1000,
		})
	}
	return out, msgs
}

// ParseReceipt maps a whatsmeow receipt to an acknowledgment update, or nil
// for receipt types that carry no delivery semantics.
func ParseReceipt(evt *events.Receipt) *AckUpdate {
	level := ReceiptAckLevel(evt.Type)
	if level == store.AckNone {
		return nil
	}
	return &AckUpdate{
		ChatID:    evt.Chat.ToNonAD().String(),
		MsgIDs:    evt.MessageIDs,
		Level:     level,
		SelfRead:  isSelfReceipt(evt.Type),
		Timestamp: evt.Timestamp.UnixMilli(),
	}
}

// isSelfReceipt reports whether the receipt came from the owner's own
// device consuming the chat, as opposed to a remote party acknowledging
// our messages.
func isSelfReceipt(t types.ReceiptType) bool {
	return t == types.ReceiptTypeReadSelf || t == types.ReceiptTypePlayedSelf
}

// ReceiptAckLevel maps a receipt type to the ordinal acknowledgment level.
func ReceiptAckLevel(t types.ReceiptType) int {
	switch t {
	case types.ReceiptTypeDelivered:
		return store.AckDelivered
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		return store.AckRead
	case types.ReceiptTypePlayed, types.ReceiptTypePlayedSelf:
		return store.AckPlayed
	default:
		return store.AckNone
	}
}

// Outbound messages start at "sent"; inbound messages carry no ack level.
func ackForDirection(fromMe bool) int {
	if fromMe {
		return store.AckSent
	}
	return store.AckNone
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

func detectMessageType(msg *waE2E.Message) string {
	if msg == nil {
		return "unknown"
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return "text"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetContactMessage() != nil:
		return "contact"
	case msg.GetLocationMessage() != nil:
		return "location"
	default:
		return "unknown"
	}
}

func hasMedia(msg *waE2E.Message) bool {
	switch detectMessageType(msg) {
	case "image", "video", "audio", "document", "sticker":
		return true
	}
	return false
}
