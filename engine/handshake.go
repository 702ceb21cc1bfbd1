package engine

import (
	"net"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/udpchat/crypto"
	"github.com/opd-ai/udpchat/protocol"
)

// initiateClientToServerFlow starts the C2S handshake for a validated
// initial request: compute the signature of the exact decrypted bytes,
// store the pending transaction, and report the signature back as a
// character_count.
func (e *Engine) initiateClientToServerFlow(res protocol.DecodeResult, addr net.Addr) {
	action := res.Message.Action

	txID := protocol.NewTransactionID(protocol.ClientToServer, action)
	tx := protocol.NewPendingTransaction(
		txID,
		protocol.ClientToServer,
		protocol.WaitingForConfirm,
		res.Message,
		res.PlainText,
		addr,
		res.Key,
	)
	e.transactions.Store(tx)

	logrus.WithFields(logrus.Fields{
		"function":       "initiateClientToServerFlow",
		"transaction_id": txID,
		"action":         action,
		"addr":           addr.String(),
	}).Info("Client->Server flow initiated")

	e.sendCharacterCount(addr, tx)
}

// InitiateServerToClientFlow starts the S2C handshake: embed a fresh
// transaction id into the outbound payload, send it, and remember the
// signature of the exact serialized bytes. This is the only way business
// logic pushes a confirmed message to a peer.
func (e *Engine) InitiateServerToClientFlow(action string, msg *protocol.Message, addr net.Addr, key string) error {
	txID := protocol.NewTransactionID(protocol.ServerToClient, action)
	if msg.Data == nil {
		msg.Data = make(map[string]interface{})
	}
	msg.Data[protocol.KeyTransactionID] = txID

	plain, err := e.codec.Send(addr, msg, key)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":       "InitiateServerToClientFlow",
			"transaction_id": txID,
			"action":         action,
			"addr":           addr.String(),
			"error":          err.Error(),
		}).Error("Failed to send initial Server->Client packet")
		return err
	}

	tx := protocol.NewPendingTransaction(
		txID,
		protocol.ServerToClient,
		protocol.WaitingForCharCount,
		msg,
		plain,
		addr,
		key,
	)
	e.transactions.Store(tx)

	logrus.WithFields(logrus.Fields{
		"function":       "InitiateServerToClientFlow",
		"transaction_id": txID,
		"action":         action,
		"addr":           addr.String(),
	}).Info("Server->Client flow initiated")
	return nil
}

// handleCharacterCount processes the recipient's signature report in the
// S2C flow. A signature mismatch is advisory: confirm=false is reported
// and the transaction still advances to waiting-for-ack.
func (e *Engine) handleCharacterCount(res protocol.DecodeResult, addr net.Addr) {
	txID, ok := res.Message.TransactionID()
	if !ok {
		e.sendErrorReply(addr, protocol.ActionCharacterCount,
			protocol.ErrMsgMissingField+"'data."+protocol.KeyTransactionID+"'", res.Key)
		return
	}
	freqs, ok := res.Message.Frequencies(protocol.KeyLetterFrequencies)
	if !ok {
		e.sendErrorReply(addr, protocol.ActionCharacterCount,
			protocol.ErrMsgMissingField+"'data."+protocol.KeyLetterFrequencies+"'", res.Key)
		return
	}

	tx, ok := e.transactions.Get(txID)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":       "handleCharacterCount",
			"transaction_id": txID,
			"addr":           addr.String(),
		}).Warn("No pending transaction for character_count")
		e.sendErrorReply(addr, protocol.ActionCharacterCount, protocol.ErrMsgPendingActionNotFound, res.Key)
		return
	}

	if res.Key != tx.TransactionKey {
		// Possibly a delayed packet under an old key; keep the
		// transaction so a legitimate retry can still succeed.
		logrus.WithFields(logrus.Fields{
			"function":       "handleCharacterCount",
			"transaction_id": txID,
		}).Warn("Key mismatch for character_count, rejecting")
		e.sendErrorReply(addr, protocol.ActionCharacterCount, protocol.ErrMsgKeyMismatch, res.Key)
		return
	}

	if tx.Direction != protocol.ServerToClient || tx.State != protocol.WaitingForCharCount {
		logrus.WithFields(logrus.Fields{
			"function":       "handleCharacterCount",
			"transaction_id": txID,
			"direction":      tx.Direction.String(),
			"state":          tx.State.String(),
		}).Warn("Invalid state or direction for character_count, dropping transaction")
		e.sendErrorReply(addr, protocol.ActionCharacterCount, protocol.ErrMsgInvalidState, res.Key)
		e.transactions.Remove(txID)
		return
	}

	if !tx.PartnerMatches(addr) {
		logrus.WithFields(logrus.Fields{
			"function":       "handleCharacterCount",
			"transaction_id": txID,
			"addr":           addr.String(),
			"partner":        tx.PartnerAddr.String(),
		}).Warn("Sender mismatch for character_count, rejecting")
		e.sendErrorReply(addr, protocol.ActionCharacterCount, protocol.ErrMsgSenderMismatch, res.Key)
		return
	}

	match := crypto.Signature(freqs).Equal(tx.ExpectedSignature)
	if !match {
		logrus.WithFields(logrus.Fields{
			"function":       "handleCharacterCount",
			"transaction_id": txID,
		}).Warn("Signature mismatch reported by recipient")
	}

	e.sendConfirmCount(addr, txID, match, tx.TransactionKey)
	if err := e.transactions.Transition(txID, protocol.WaitingForCharCount, protocol.WaitingForAck); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":       "handleCharacterCount",
			"transaction_id": txID,
			"error":          err.Error(),
		}).Warn("Failed to advance transaction state")
	}
}

// handleConfirmCount processes the client's verdict in the C2S flow. A
// positive confirm runs the registered action callback exactly once; a
// negative confirm is a client cancellation and runs nothing.
func (e *Engine) handleConfirmCount(res protocol.DecodeResult, addr net.Addr) {
	txID, ok := res.Message.TransactionID()
	if !ok {
		e.sendErrorReply(addr, protocol.ActionConfirmCount,
			protocol.ErrMsgMissingField+"'data."+protocol.KeyTransactionID+"'", res.Key)
		return
	}
	confirmed, ok := res.Message.DataBool(protocol.KeyConfirm)
	if !ok {
		e.sendErrorReply(addr, protocol.ActionConfirmCount,
			protocol.ErrMsgMissingField+"'data."+protocol.KeyConfirm+"'", res.Key)
		return
	}

	tx, ok := e.transactions.Get(txID)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":       "handleConfirmCount",
			"transaction_id": txID,
			"addr":           addr.String(),
		}).Warn("No pending transaction for confirm_count")
		e.sendErrorReply(addr, protocol.ActionConfirmCount, protocol.ErrMsgPendingActionNotFound, res.Key)
		return
	}

	if res.Key != tx.TransactionKey {
		logrus.WithFields(logrus.Fields{
			"function":       "handleConfirmCount",
			"transaction_id": txID,
		}).Warn("Key mismatch for confirm_count, rejecting")
		e.sendErrorReply(addr, protocol.ActionConfirmCount, protocol.ErrMsgKeyMismatch, res.Key)
		return
	}

	if tx.Direction != protocol.ClientToServer || tx.State != protocol.WaitingForConfirm {
		logrus.WithFields(logrus.Fields{
			"function":       "handleConfirmCount",
			"transaction_id": txID,
			"direction":      tx.Direction.String(),
			"state":          tx.State.String(),
		}).Warn("Invalid state or direction for confirm_count, dropping transaction")
		e.sendErrorReply(addr, protocol.ActionConfirmCount, protocol.ErrMsgInvalidState, res.Key)
		e.transactions.Remove(txID)
		return
	}

	if !tx.PartnerMatches(addr) {
		logrus.WithFields(logrus.Fields{
			"function":       "handleConfirmCount",
			"transaction_id": txID,
			"addr":           addr.String(),
			"partner":        tx.PartnerAddr.String(),
		}).Warn("Sender mismatch for confirm_count, rejecting")
		e.sendErrorReply(addr, protocol.ActionConfirmCount, protocol.ErrMsgSenderMismatch, res.Key)
		return
	}

	if !confirmed {
		logrus.WithFields(logrus.Fields{
			"function":       "handleConfirmCount",
			"transaction_id": txID,
			"action":         tx.OriginalAction(),
		}).Info("Client cancelled action")
		e.sendAck(addr, tx, protocol.StatusCancelled, "Action cancelled by client.")
		e.transactions.Remove(txID)
		return
	}

	success := e.invokeAction(tx)
	if success {
		e.sendAck(addr, tx, protocol.StatusSuccess, "Action processed successfully.")
	} else {
		e.sendAck(addr, tx, protocol.StatusFailure, "Action processing failed.")
	}
	e.transactions.Remove(txID)

	logrus.WithFields(logrus.Fields{
		"function":       "handleConfirmCount",
		"transaction_id": txID,
		"action":         tx.OriginalAction(),
		"success":        success,
	}).Info("Completed Client->Server transaction")
}

// handleAck processes the recipient's final ack in the S2C flow. Acks
// never trigger replies, even on failure, to avoid reply loops.
func (e *Engine) handleAck(res protocol.DecodeResult, addr net.Addr) {
	status := res.Message.Status
	if status == "" {
		logrus.WithFields(logrus.Fields{
			"function": "handleAck",
			"addr":     addr.String(),
		}).Warn("Ack missing status field")
		return
	}
	txID, ok := res.Message.TransactionID()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "handleAck",
			"addr":     addr.String(),
		}).Warn("Ack missing transaction id")
		return
	}

	tx, ok := e.transactions.Get(txID)
	if !ok {
		// Duplicate or timed out; nothing to do.
		logrus.WithFields(logrus.Fields{
			"function":       "handleAck",
			"transaction_id": txID,
			"addr":           addr.String(),
		}).Warn("No pending transaction for ack")
		return
	}

	if res.Key != tx.TransactionKey {
		logrus.WithFields(logrus.Fields{
			"function":       "handleAck",
			"transaction_id": txID,
		}).Warn("Key mismatch for ack, ignoring")
		return
	}

	if !tx.PartnerMatches(addr) {
		logrus.WithFields(logrus.Fields{
			"function":       "handleAck",
			"transaction_id": txID,
			"addr":           addr.String(),
			"partner":        tx.PartnerAddr.String(),
		}).Warn("Sender mismatch for ack, ignoring")
		return
	}

	if tx.Direction != protocol.ServerToClient || tx.State != protocol.WaitingForAck {
		logrus.WithFields(logrus.Fields{
			"function":       "handleAck",
			"transaction_id": txID,
			"direction":      tx.Direction.String(),
			"state":          tx.State.String(),
		}).Warn("Invalid state or direction for ack, dropping transaction")
		e.transactions.Remove(txID)
		return
	}

	e.transactions.Remove(txID)

	if status == protocol.StatusSuccess {
		logrus.WithFields(logrus.Fields{
			"function":       "handleAck",
			"transaction_id": txID,
			"action":         tx.OriginalAction(),
		}).Info("Server->Client transaction acked successfully")
	} else {
		logrus.WithFields(logrus.Fields{
			"function":       "handleAck",
			"transaction_id": txID,
			"action":         tx.OriginalAction(),
			"status":         status,
			"message":        res.Message.Message,
		}).Warn("Server->Client transaction acked with non-success status")
	}
}

// invokeAction runs the registered callback for the transaction's
// original action. A missing callback or a panic counts as failure;
// neither escapes as a protocol-level error.
func (e *Engine) invokeAction(tx *protocol.PendingTransaction) (success bool) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function":       "invokeAction",
				"transaction_id": tx.ID,
				"action":         tx.OriginalAction(),
				"panic":          r,
			}).Error("Action callback panicked")
			success = false
		}
	}()

	fn, ok := e.action(tx.OriginalAction())
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":       "invokeAction",
			"transaction_id": tx.ID,
			"action":         tx.OriginalAction(),
		}).Error("No callback registered for confirmed action")
		return false
	}
	return fn(tx)
}

// sendCharacterCount reports the computed signature of a C2S initial
// request, opening step 2 of that flow.
func (e *Engine) sendCharacterCount(addr net.Addr, tx *protocol.PendingTransaction) {
	reply := protocol.NewReply(protocol.ActionCharacterCount, protocol.StatusSuccess,
		"Provide confirmation.", map[string]interface{}{
			protocol.KeyTransactionID:     tx.ID,
			protocol.KeyOriginalAction:    tx.OriginalAction(),
			protocol.KeyLetterFrequencies: tx.ExpectedSignature,
		})

	if _, err := e.codec.Send(addr, reply, tx.TransactionKey); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":       "sendCharacterCount",
			"transaction_id": tx.ID,
			"error":          err.Error(),
		}).Warn("Failed to send character_count")
	}
}

// sendConfirmCount reports the signature comparison verdict in the S2C
// flow.
func (e *Engine) sendConfirmCount(addr net.Addr, txID string, confirm bool, key string) {
	note := "Frequencies match. Proceeding."
	if !confirm {
		note = "Frequency mismatch."
	}
	reply := protocol.NewReply(protocol.ActionConfirmCount, protocol.StatusSuccess, note,
		map[string]interface{}{
			protocol.KeyTransactionID: txID,
			protocol.KeyConfirm:       confirm,
		})

	if _, err := e.codec.Send(addr, reply, key); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":       "sendConfirmCount",
			"transaction_id": txID,
			"error":          err.Error(),
		}).Warn("Failed to send confirm_count")
	}
}

// sendAck closes a C2S flow with the callback's verdict. A successful
// login ack additionally carries the identity and the freshly issued
// session key so the client can switch keys.
func (e *Engine) sendAck(addr net.Addr, tx *protocol.PendingTransaction, status, note string) {
	data := map[string]interface{}{
		protocol.KeyTransactionID:  tx.ID,
		protocol.KeyOriginalAction: tx.OriginalAction(),
	}

	if status == protocol.StatusSuccess && tx.OriginalAction() == protocol.ActionLogin {
		if chatID, ok := tx.OriginalMessage.DataString(protocol.KeyChatID); ok {
			if key := e.sessions.KeyByChatID(chatID); key != "" {
				data[protocol.KeyChatID] = chatID
				data[protocol.KeySessionKey] = key
			} else {
				logrus.WithFields(logrus.Fields{
					"function":       "sendAck",
					"transaction_id": tx.ID,
					"chat_id":        chatID,
				}).Error("No session key available for successful login ack")
			}
		}
	}

	reply := protocol.NewReply(protocol.ActionAck, status, note, data)
	if _, err := e.codec.Send(addr, reply, tx.TransactionKey); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":       "sendAck",
			"transaction_id": tx.ID,
			"error":          err.Error(),
		}).Warn("Failed to send ack")
	}
}
