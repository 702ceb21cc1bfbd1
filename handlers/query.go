package handlers

import (
	"time"

	"github.com/opd-ai/udpchat/protocol"
	"github.com/opd-ai/udpchat/session"
	"github.com/opd-ai/udpchat/store"
)

// QueryHandler processes confirmed read-only requests. Results travel
// back to the requester over a server-to-client flow of their own; the
// ack of the query transaction only confirms that the query ran.
type QueryHandler struct {
	users    *store.UserStore
	rooms    *store.RoomStore
	messages *store.MessageStore
	sessions *session.Registry
	pusher   Pusher
}

// NewQueryHandler wires the query callbacks.
func NewQueryHandler(users *store.UserStore, rooms *store.RoomStore, messages *store.MessageStore, sessions *session.Registry, pusher Pusher) *QueryHandler {
	return &QueryHandler{users: users, rooms: rooms, messages: messages, sessions: sessions, pusher: pusher}
}

// GetUsers pushes the registered user list back as users_list.
func (h *QueryHandler) GetUsers(tx *protocol.PendingTransaction) bool {
	requester, ok := tx.OriginalMessage.DataString(protocol.KeyChatID)
	if !ok {
		return false
	}

	push := protocol.NewMessage(protocol.ActionUsersList)
	push.Data["users"] = h.users.List()
	pushTo(h.pusher, h.sessions, requester, protocol.ActionUsersList, push)
	return true
}

// GetRooms pushes every room back as rooms_list.
func (h *QueryHandler) GetRooms(tx *protocol.PendingTransaction) bool {
	requester, ok := tx.OriginalMessage.DataString(protocol.KeyChatID)
	if !ok {
		return false
	}

	push := protocol.NewMessage(protocol.ActionRoomsList)
	push.Data["rooms"] = roomSummaries(h.rooms.All())
	pushTo(h.pusher, h.sessions, requester, protocol.ActionRoomsList, push)
	return true
}

// GetUserRooms pushes the requester's own rooms back as user_room_list.
func (h *QueryHandler) GetUserRooms(tx *protocol.PendingTransaction) bool {
	requester, ok := tx.OriginalMessage.DataString(protocol.KeyChatID)
	if !ok {
		return false
	}

	push := protocol.NewMessage(protocol.ActionUserRoomList)
	push.Data["rooms"] = roomSummaries(h.rooms.RoomsFor(requester))
	pushTo(h.pusher, h.sessions, requester, protocol.ActionUserRoomList, push)
	return true
}

// GetRoomUsers pushes a room's participant list back as room_users_list.
// The requester must be a participant.
func (h *QueryHandler) GetRoomUsers(tx *protocol.PendingTransaction) bool {
	requester, ok := tx.OriginalMessage.DataString(protocol.KeyChatID)
	if !ok {
		return false
	}
	roomID, ok := tx.OriginalMessage.DataString(protocol.KeyRoomID)
	if !ok {
		return false
	}
	if !h.rooms.IsMember(roomID, requester) {
		return false
	}

	participants, err := h.rooms.Participants(roomID)
	if err != nil {
		return false
	}

	push := protocol.NewMessage(protocol.ActionRoomUsersList)
	push.Data[protocol.KeyRoomID] = roomID
	push.Data[protocol.KeyParticipants] = participants
	pushTo(h.pusher, h.sessions, requester, protocol.ActionRoomUsersList, push)
	return true
}

// GetMessages pushes a room's message history back as messages_list. The
// requester must be a participant. An optional data.timestamp (RFC 3339)
// bounds the history to messages at or after that instant.
func (h *QueryHandler) GetMessages(tx *protocol.PendingTransaction) bool {
	requester, ok := tx.OriginalMessage.DataString(protocol.KeyChatID)
	if !ok {
		return false
	}
	roomID, ok := tx.OriginalMessage.DataString(protocol.KeyRoomID)
	if !ok {
		return false
	}
	if !h.rooms.IsMember(roomID, requester) {
		return false
	}

	var since time.Time
	if raw, ok := tx.OriginalMessage.DataString(protocol.KeyTimestamp); ok {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return false
		}
		since = parsed
	}

	history := h.messages.ByRoom(roomID, since)
	out := make([]map[string]interface{}, 0, len(history))
	for _, msg := range history {
		out = append(out, map[string]interface{}{
			protocol.KeySenderChatID: msg.Sender,
			protocol.KeyContent:      msg.Content,
			protocol.KeyTimestamp:    msg.Timestamp.Format(time.RFC3339),
		})
	}

	push := protocol.NewMessage(protocol.ActionMessagesList)
	push.Data[protocol.KeyRoomID] = roomID
	push.Data["messages"] = out
	pushTo(h.pusher, h.sessions, requester, protocol.ActionMessagesList, push)
	return true
}

// roomSummaries renders rooms into their wire form.
func roomSummaries(rooms []store.Room) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(rooms))
	for _, room := range rooms {
		participants := make([]string, 0, len(room.Participants))
		for p := range room.Participants {
			participants = append(participants, p)
		}
		out = append(out, map[string]interface{}{
			protocol.KeyRoomID:       room.ID,
			protocol.KeyRoomName:     room.Name,
			protocol.KeyParticipants: participants,
		})
	}
	return out
}
