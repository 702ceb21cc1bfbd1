package engine

import (
	"net"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/udpchat/protocol"
)

// processDatagram decrypts one inbound frame and routes it. Every
// failure is contained here: a bad or malicious datagram affects only
// its own processing, never other transactions or the receive loop.
func (e *Engine) processDatagram(raw []byte, addr net.Addr) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "processDatagram",
				"addr":     addr.String(),
				"panic":    r,
			}).Error("Recovered from panic while processing datagram")
		}
	}()

	sessionKey := e.sessions.KeyByAddr(addr)
	res, ok := protocol.DecryptWithFallback(raw, sessionKey)
	if !ok {
		// No candidate key produced a parseable frame; drop silently.
		logrus.WithFields(logrus.Fields{
			"function": "processDatagram",
			"addr":     addr.String(),
			"size":     len(raw),
		}).Warn("Failed to decode datagram with any key")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "processDatagram",
		"addr":     addr.String(),
		"action":   res.Message.Action,
	}).Debug("Routing decoded datagram")

	switch res.Message.Action {
	case protocol.ActionCharacterCount:
		e.handleCharacterCount(res, addr)
	case protocol.ActionConfirmCount:
		e.handleConfirmCount(res, addr)
	case protocol.ActionAck:
		e.handleAck(res, addr)
	case protocol.ActionError:
		logrus.WithFields(logrus.Fields{
			"function": "processDatagram",
			"addr":     addr.String(),
			"message":  res.Message.Message,
		}).Warn("Peer reported protocol error")
	case protocol.ActionLogin, protocol.ActionRegister:
		e.routePreAuthAction(res, addr)
	default:
		e.routeSessionAction(res, addr)
	}
}

// routePreAuthAction admits login and register, which must arrive under
// the fixed pre-shared key because no session exists yet.
func (e *Engine) routePreAuthAction(res protocol.DecodeResult, addr net.Addr) {
	if res.Key != protocol.FixedKey {
		logrus.WithFields(logrus.Fields{
			"function": "routePreAuthAction",
			"addr":     addr.String(),
			"action":   res.Message.Action,
		}).Warn("Pre-auth action not under fixed key, denying")
		e.sendErrorReply(addr, res.Message.Action, "Action requires fixed key.", protocol.FixedKey)
		return
	}
	e.initiateClientToServerFlow(res, addr)
}

// routeSessionAction admits every other initial action, which requires a
// live, endpoint-matched session and the identity inside the payload.
func (e *Engine) routeSessionAction(res protocol.DecodeResult, addr net.Addr) {
	action := res.Message.Action

	if res.Key == protocol.FixedKey {
		logrus.WithFields(logrus.Fields{
			"function": "routeSessionAction",
			"addr":     addr.String(),
			"action":   action,
		}).Warn("Session action without session key, denying")
		e.sendErrorReply(addr, action, protocol.ErrMsgNotLoggedIn, protocol.FixedKey)
		return
	}

	chatID, ok := res.Message.DataString(protocol.KeyChatID)
	if !ok {
		e.sendErrorReply(addr, action, protocol.ErrMsgMissingField+"'data."+protocol.KeyChatID+"'", res.Key)
		return
	}

	if !e.sessions.Validate(chatID, addr) {
		logrus.WithFields(logrus.Fields{
			"function": "routeSessionAction",
			"addr":     addr.String(),
			"action":   action,
			"chat_id":  chatID,
		}).Warn("Session validation failed, denying")
		e.sendErrorReply(addr, action, "Session validation failed.", res.Key)
		return
	}

	if e.sessions.KeyByChatID(chatID) != res.Key {
		logrus.WithFields(logrus.Fields{
			"function": "routeSessionAction",
			"action":   action,
			"chat_id":  chatID,
		}).Warn("Session key mismatch, denying")
		e.sendErrorReply(addr, action, protocol.ErrMsgDecryptionFailed, res.Key)
		return
	}

	e.initiateClientToServerFlow(res, addr)
}

// sendErrorReply reports a malformed or unauthorized request. Acks never
// get error replies, preventing reply loops.
func (e *Engine) sendErrorReply(addr net.Addr, originalAction, errorMessage, key string) {
	if originalAction == protocol.ActionAck {
		logrus.WithFields(logrus.Fields{
			"function": "sendErrorReply",
			"action":   originalAction,
		}).Debug("Suppressing error reply for ack")
		return
	}

	reply := protocol.NewErrorReply(originalAction, errorMessage)
	if _, err := e.codec.Send(addr, reply, key); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendErrorReply",
			"addr":     addr.String(),
			"error":    err.Error(),
		}).Warn("Failed to send error reply")
	}
}
