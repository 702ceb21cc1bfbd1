package handlers

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/udpchat/protocol"
	"github.com/opd-ai/udpchat/session"
	"github.com/opd-ai/udpchat/store"
)

// RoomHandler processes confirmed room-management requests. Every
// successful mutation is announced to the affected participants over
// server-to-client flows.
type RoomHandler struct {
	users    *store.UserStore
	rooms    *store.RoomStore
	messages *store.MessageStore
	sessions *session.Registry
	pusher   Pusher
}

// NewRoomHandler wires the room-management callbacks.
func NewRoomHandler(users *store.UserStore, rooms *store.RoomStore, messages *store.MessageStore, sessions *session.Registry, pusher Pusher) *RoomHandler {
	return &RoomHandler{users: users, rooms: rooms, messages: messages, sessions: sessions, pusher: pusher}
}

// Create makes a room. The requester must be among the participants and
// every participant must be a registered user. All participants are
// notified with room_created.
func (h *RoomHandler) Create(tx *protocol.PendingTransaction) bool {
	creator, ok := tx.OriginalMessage.DataString(protocol.KeyChatID)
	if !ok {
		return false
	}
	name, ok := tx.OriginalMessage.DataString(protocol.KeyRoomName)
	if !ok || name == "" {
		return false
	}
	participants, ok := tx.OriginalMessage.DataStringSlice(protocol.KeyParticipants)
	if !ok {
		return false
	}

	hasCreator := false
	for _, p := range participants {
		if p == creator {
			hasCreator = true
		}
		if !h.users.Exists(p) {
			logrus.WithFields(logrus.Fields{
				"function": "Create",
				"chat_id":  p,
			}).Warn("Unknown participant, rejecting room creation")
			return false
		}
	}
	if !hasCreator {
		participants = append(participants, creator)
	}

	roomID, err := h.rooms.Create(name, participants)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Create",
			"room_name": name,
			"error":     err.Error(),
		}).Warn("Room creation rejected")
		return false
	}

	for _, chatID := range participants {
		push := protocol.NewMessage(protocol.ActionRoomCreated)
		push.Data[protocol.KeyRoomID] = roomID
		push.Data[protocol.KeyRoomName] = name
		push.Data[protocol.KeyParticipants] = participants
		pushTo(h.pusher, h.sessions, chatID, protocol.ActionRoomCreated, push)
	}
	return true
}

// Rename changes a room's name. Only participants may rename; everyone in
// the room is notified with room_renamed.
func (h *RoomHandler) Rename(tx *protocol.PendingTransaction) bool {
	requester, ok := tx.OriginalMessage.DataString(protocol.KeyChatID)
	if !ok {
		return false
	}
	roomID, ok := tx.OriginalMessage.DataString(protocol.KeyRoomID)
	if !ok {
		return false
	}
	newName, ok := tx.OriginalMessage.DataString(protocol.KeyRoomName)
	if !ok || newName == "" {
		return false
	}

	if !h.rooms.IsMember(roomID, requester) {
		return false
	}
	if err := h.rooms.Rename(roomID, newName); err != nil {
		return false
	}

	h.notifyRoom(roomID, protocol.ActionRoomRenamed, map[string]interface{}{
		protocol.KeyRoomID:   roomID,
		protocol.KeyRoomName: newName,
	})
	return true
}

// Delete removes a room and its message history. Only participants may
// delete; everyone in the room is notified with room_deleted first.
func (h *RoomHandler) Delete(tx *protocol.PendingTransaction) bool {
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

	h.notifyRoom(roomID, protocol.ActionRoomDeleted, map[string]interface{}{
		protocol.KeyRoomID: roomID,
	})

	if err := h.rooms.Delete(roomID); err != nil {
		return false
	}
	h.messages.DeleteRoom(roomID)
	return true
}

// AddUser adds a registered user to a room. The requester must already be
// a participant; the room is notified with user_added.
func (h *RoomHandler) AddUser(tx *protocol.PendingTransaction) bool {
	requester, ok := tx.OriginalMessage.DataString(protocol.KeyChatID)
	if !ok {
		return false
	}
	roomID, ok := tx.OriginalMessage.DataString(protocol.KeyRoomID)
	if !ok {
		return false
	}
	target, ok := tx.OriginalMessage.DataString(protocol.KeyTargetChatID)
	if !ok {
		return false
	}

	if !h.rooms.IsMember(roomID, requester) {
		return false
	}
	if !h.users.Exists(target) {
		logrus.WithFields(logrus.Fields{
			"function": "AddUser",
			"chat_id":  target,
		}).Warn("Unknown user, rejecting add")
		return false
	}
	if err := h.rooms.AddUser(roomID, target); err != nil {
		return false
	}

	h.notifyRoom(roomID, protocol.ActionUserAdded, map[string]interface{}{
		protocol.KeyRoomID:       roomID,
		protocol.KeyTargetChatID: target,
	})
	return true
}

// RemoveUser drops a user from a room. The requester must be a
// participant; the room (including the removed user) is notified with
// user_removed.
func (h *RoomHandler) RemoveUser(tx *protocol.PendingTransaction) bool {
	requester, ok := tx.OriginalMessage.DataString(protocol.KeyChatID)
	if !ok {
		return false
	}
	roomID, ok := tx.OriginalMessage.DataString(protocol.KeyRoomID)
	if !ok {
		return false
	}
	target, ok := tx.OriginalMessage.DataString(protocol.KeyTargetChatID)
	if !ok {
		return false
	}

	if !h.rooms.IsMember(roomID, requester) || !h.rooms.IsMember(roomID, target) {
		return false
	}

	// Notify before removal so the removed user still gets the push.
	h.notifyRoom(roomID, protocol.ActionUserRemoved, map[string]interface{}{
		protocol.KeyRoomID:       roomID,
		protocol.KeyTargetChatID: target,
	})

	return h.rooms.RemoveUser(roomID, target) == nil
}

// notifyRoom pushes one notification to every current room participant.
func (h *RoomHandler) notifyRoom(roomID, action string, data map[string]interface{}) {
	participants, err := h.rooms.Participants(roomID)
	if err != nil {
		return
	}
	for _, chatID := range participants {
		push := protocol.NewMessage(action)
		for k, v := range data {
			push.Data[k] = v
		}
		pushTo(h.pusher, h.sessions, chatID, action, push)
	}
}
