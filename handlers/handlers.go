// Package handlers implements the confirmed-action business callbacks:
// authentication, room management, messaging, and queries.
//
// Each handler method matches the engine's ActionFunc signature and runs
// only after a client-to-server transaction is positively confirmed. Data
// that flows back to clients (query results, message delivery) travels
// over fresh server-to-client flows via the Pusher, never inside the ack.
package handlers

import (
	"net"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/udpchat/protocol"
	"github.com/opd-ai/udpchat/session"
)

// Pusher starts a server-to-client confirmation flow. The protocol
// engine satisfies this; handlers depend on the interface so they can be
// tested without a socket.
type Pusher interface {
	InitiateServerToClientFlow(action string, msg *protocol.Message, addr net.Addr, key string) error
}

// pushTo delivers msg to chatID's live session, if any. An offline
// recipient is not an error; the message is simply not delivered.
func pushTo(pusher Pusher, sessions *session.Registry, chatID, action string, msg *protocol.Message) {
	sess, ok := sessions.Get(chatID)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "pushTo",
			"chat_id":  chatID,
			"action":   action,
		}).Debug("Recipient offline, skipping push")
		return
	}

	if err := pusher.InitiateServerToClientFlow(action, msg, sess.Addr, sess.Key); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "pushTo",
			"chat_id":  chatID,
			"action":   action,
			"error":    err.Error(),
		}).Warn("Failed to push to recipient")
	}
}
