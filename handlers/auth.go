package handlers

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/udpchat/crypto"
	"github.com/opd-ai/udpchat/protocol"
	"github.com/opd-ai/udpchat/session"
	"github.com/opd-ai/udpchat/store"
)

// AuthHandler processes confirmed login and register requests.
type AuthHandler struct {
	users    *store.UserStore
	sessions *session.Registry
	pusher   Pusher
}

// NewAuthHandler wires the authentication callbacks.
func NewAuthHandler(users *store.UserStore, sessions *session.Registry, pusher Pusher) *AuthHandler {
	return &AuthHandler{users: users, sessions: sessions, pusher: pusher}
}

// Register creates a new user. Success is additionally announced with a
// register_success push under the fixed key, since no session exists yet.
func (h *AuthHandler) Register(tx *protocol.PendingTransaction) bool {
	chatID, ok := tx.OriginalMessage.DataString(protocol.KeyChatID)
	if !ok || chatID == "" {
		return false
	}
	password, ok := tx.OriginalMessage.DataString(protocol.KeyPassword)
	if !ok || password == "" {
		return false
	}

	if err := h.users.Register(chatID, password); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Register",
			"chat_id":  chatID,
			"error":    err.Error(),
		}).Warn("Registration rejected")
		return false
	}

	push := protocol.NewMessage(protocol.ActionRegisterSuccess)
	push.Data[protocol.KeyChatID] = chatID
	if err := h.pusher.InitiateServerToClientFlow(protocol.ActionRegisterSuccess, push, tx.PartnerAddr, protocol.FixedKey); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Register",
			"chat_id":  chatID,
			"error":    err.Error(),
		}).Warn("Failed to push register_success")
	}
	return true
}

// Login authenticates the user, issues a fresh session key, and binds the
// session to the request's source endpoint. The engine's ack carries the
// new key under the fixed key; login_success is then pushed under the new
// key itself, proving to the client that the key is live.
func (h *AuthHandler) Login(tx *protocol.PendingTransaction) bool {
	chatID, ok := tx.OriginalMessage.DataString(protocol.KeyChatID)
	if !ok || chatID == "" {
		return false
	}
	password, ok := tx.OriginalMessage.DataString(protocol.KeyPassword)
	if !ok {
		return false
	}

	if !h.users.Authenticate(chatID, password) {
		logrus.WithFields(logrus.Fields{
			"function": "Login",
			"chat_id":  chatID,
		}).Warn("Authentication failed")
		return false
	}

	key, err := crypto.GenerateSessionKey()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Login",
			"chat_id":  chatID,
			"error":    err.Error(),
		}).Error("Failed to generate session key")
		return false
	}

	h.sessions.Add(chatID, tx.PartnerAddr, key)

	push := protocol.NewMessage(protocol.ActionLoginSuccess)
	push.Data[protocol.KeyChatID] = chatID
	push.Data[protocol.KeySessionKey] = key
	pushTo(h.pusher, h.sessions, chatID, protocol.ActionLoginSuccess, push)
	return true
}
