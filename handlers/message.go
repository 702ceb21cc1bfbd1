package handlers

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/udpchat/protocol"
	"github.com/opd-ai/udpchat/session"
	"github.com/opd-ai/udpchat/store"
)

// MessageHandler processes confirmed send_message requests: persist the
// message, then fan it out to every online room participant except the
// sender, each over its own server-to-client flow.
type MessageHandler struct {
	rooms    *store.RoomStore
	messages *store.MessageStore
	sessions *session.Registry
	pusher   Pusher
}

// NewMessageHandler wires the messaging callback.
func NewMessageHandler(rooms *store.RoomStore, messages *store.MessageStore, sessions *session.Registry, pusher Pusher) *MessageHandler {
	return &MessageHandler{rooms: rooms, messages: messages, sessions: sessions, pusher: pusher}
}

// Send persists and fans out one room message. Offline participants miss
// the push but can recover the message from history.
func (h *MessageHandler) Send(tx *protocol.PendingTransaction) bool {
	sender, ok := tx.OriginalMessage.DataString(protocol.KeyChatID)
	if !ok {
		return false
	}
	roomID, ok := tx.OriginalMessage.DataString(protocol.KeyRoomID)
	if !ok {
		return false
	}
	content, ok := tx.OriginalMessage.DataString(protocol.KeyContent)
	if !ok {
		return false
	}

	if !h.rooms.IsMember(roomID, sender) {
		logrus.WithFields(logrus.Fields{
			"function": "Send",
			"chat_id":  sender,
			"room_id":  roomID,
		}).Warn("Sender is not a room participant, rejecting")
		return false
	}

	now := time.Now()
	h.messages.Save(store.ChatMessage{
		RoomID:    roomID,
		Sender:    sender,
		Content:   content,
		Timestamp: now,
	})

	participants, err := h.rooms.Participants(roomID)
	if err != nil {
		return false
	}

	for _, chatID := range participants {
		if chatID == sender {
			continue
		}
		push := protocol.NewMessage(protocol.ActionReceiveMessage)
		push.Data[protocol.KeyRoomID] = roomID
		push.Data[protocol.KeySenderChatID] = sender
		push.Data[protocol.KeyContent] = content
		push.Data[protocol.KeyTimestamp] = now.Format(time.RFC3339)
		pushTo(h.pusher, h.sessions, chatID, protocol.ActionReceiveMessage, push)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Send",
		"chat_id":    sender,
		"room_id":    roomID,
		"recipients": len(participants) - 1,
	}).Info("Message delivered")
	return true
}
