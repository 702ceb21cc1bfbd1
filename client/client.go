// Package client implements the peer side of the udpchat protocol: the
// active client-to-server request flow (request, verify the server's
// character count, confirm, await the ack) and the passive server-to-
// client flow for unsolicited pushes (report the signature, await the
// verdict, apply and ack).
//
// Example:
//
//	c, err := client.New(client.Options{ServerAddr: "127.0.0.1:9876"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	c.OnPush(protocol.ActionReceiveMessage, func(msg *protocol.Message) {
//	    content, _ := msg.DataString(protocol.KeyContent)
//	    fmt.Println(content)
//	})
//	c.Start()
//	defer c.Close()
//
//	ack, err := c.Login(ctx, "alice", "pw1")
package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/udpchat/crypto"
	"github.com/opd-ai/udpchat/protocol"
)

// ErrRequestTimeout indicates every retry attempt ran out of time.
var ErrRequestTimeout = errors.New("request timed out after all attempts")

// ErrRequestInFlight indicates a second concurrent request for the same
// action; the handshake correlates the server's character_count by
// action name, so one action has at most one request in flight.
var ErrRequestInFlight = errors.New("request for this action already in flight")

// PushFunc handles one applied server push.
type PushFunc func(msg *protocol.Message)

// Options configures a Client.
type Options struct {
	// ServerAddr is the chat server's UDP address.
	ServerAddr string
	// ReadTimeout bounds each blocking socket read.
	ReadTimeout time.Duration
	// Retry is the resend policy for requests.
	Retry RetryPolicy
}

// Client is one connected peer. Construct with New, register push
// handlers, then Start.
type Client struct {
	conn       net.PacketConn
	codec      *protocol.Codec
	serverAddr net.Addr
	opts       Options

	mu         sync.RWMutex
	chatID     string
	sessionKey string

	reqMu      sync.Mutex
	byAction   map[string]*request
	byTx       map[string]*request
	passive    map[string]*passivePush

	pushMu   sync.RWMutex
	handlers map[string]PushFunc

	// undecoded buffers frames that no current key could decode; a push
	// sent under a session key the client has not adopted yet (the
	// login_success flow) becomes readable once the login ack installs
	// the key.
	undecodedMu sync.Mutex
	undecoded   [][]byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// request is one in-flight client-to-server exchange.
type request struct {
	action    string
	plainText string
	key       string
	ackCh     chan *protocol.Message
}

// passivePush is one in-flight server-to-client exchange awaiting the
// server's confirm verdict.
type passivePush struct {
	msg *protocol.Message
	key string
}

// New resolves the server address and binds a local socket.
func New(opts Options) (*Client, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", opts.ServerAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, err
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 100 * time.Millisecond
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:       conn,
		codec:      protocol.NewCodec(conn),
		serverAddr: serverAddr,
		opts:       opts,
		byAction:   make(map[string]*request),
		byTx:       make(map[string]*request),
		passive:    make(map[string]*passivePush),
		handlers:   make(map[string]PushFunc),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// OnPush registers the handler invoked when an integrity-confirmed push
// with the given action is applied.
func (c *Client) OnPush(action string, fn PushFunc) {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	c.handlers[action] = fn
}

// ChatID returns the identity established by the last successful login.
func (c *Client) ChatID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chatID
}

// SessionKey returns the current session key, or "" before login.
func (c *Client) SessionKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionKey
}

// Start launches the receive loop.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.receiveLoop()
}

// Close stops the loop and releases the socket.
func (c *Client) Close() error {
	c.cancel()
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

// currentKey picks the key for a new request: the session key once
// logged in, the fixed key before.
func (c *Client) currentKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sessionKey != "" {
		return c.sessionKey
	}
	return protocol.FixedKey
}

// Do runs one full client-to-server exchange and returns the final ack.
// The request is resent per the retry policy until an ack arrives, the
// context is cancelled, or attempts run out.
func (c *Client) Do(ctx context.Context, action string, data map[string]interface{}) (*protocol.Message, error) {
	msg := protocol.NewMessage(action)
	for k, v := range data {
		msg.Data[k] = v
	}
	if chatID := c.ChatID(); chatID != "" {
		if _, ok := msg.Data[protocol.KeyChatID]; !ok {
			msg.Data[protocol.KeyChatID] = chatID
		}
	}

	req := &request{action: action, ackCh: make(chan *protocol.Message, 1)}
	c.reqMu.Lock()
	if _, exists := c.byAction[action]; exists {
		c.reqMu.Unlock()
		return nil, ErrRequestInFlight
	}
	c.byAction[action] = req
	c.reqMu.Unlock()
	defer c.dropRequest(req)

	policy := c.opts.Retry
	for attempt := 1; attempt <= policy.attempts(); attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(policy.pause(attempt - 1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req.key = c.currentKey()
		plain, err := c.codec.Send(c.serverAddr, msg, req.key)
		if err != nil {
			return nil, err
		}
		c.reqMu.Lock()
		req.plainText = plain
		c.reqMu.Unlock()

		select {
		case ack := <-req.ackCh:
			c.applyAck(action, ack)
			return ack, nil
		case <-time.After(policy.timeout()):
			logrus.WithFields(logrus.Fields{
				"function": "Do",
				"action":   action,
				"attempt":  attempt,
			}).Warn("No ack within attempt timeout, retrying")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, ErrRequestTimeout
}

// Login authenticates and adopts the session key from the ack.
func (c *Client) Login(ctx context.Context, chatID, password string) (*protocol.Message, error) {
	return c.Do(ctx, protocol.ActionLogin, map[string]interface{}{
		protocol.KeyChatID:   chatID,
		protocol.KeyPassword: password,
	})
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, chatID, password string) (*protocol.Message, error) {
	return c.Do(ctx, protocol.ActionRegister, map[string]interface{}{
		protocol.KeyChatID:   chatID,
		protocol.KeyPassword: password,
	})
}

// applyAck folds protocol-level ack side effects into the client: a
// successful login ack carries the identity and the session key every
// later request must use.
func (c *Client) applyAck(action string, ack *protocol.Message) {
	if action != protocol.ActionLogin || ack.Status != protocol.StatusSuccess {
		return
	}
	chatID, okID := ack.DataString(protocol.KeyChatID)
	key, okKey := ack.DataString(protocol.KeySessionKey)
	if !okID || !okKey {
		logrus.WithFields(logrus.Fields{
			"function": "applyAck",
		}).Error("Login ack missing identity or session key")
		return
	}

	c.mu.Lock()
	c.chatID = chatID
	c.sessionKey = key
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "applyAck",
		"chat_id":  chatID,
	}).Info("Session established")

	c.replayUndecoded()
}

// bufferUndecoded keeps a short tail of frames no current key could
// decode. Anything older than the buffer is genuinely garbage.
func (c *Client) bufferUndecoded(raw []byte) {
	frame := make([]byte, len(raw))
	copy(frame, raw)

	c.undecodedMu.Lock()
	defer c.undecodedMu.Unlock()
	c.undecoded = append(c.undecoded, frame)
	if len(c.undecoded) > 8 {
		c.undecoded = c.undecoded[len(c.undecoded)-8:]
	}
}

// replayUndecoded retries buffered frames after a key change.
func (c *Client) replayUndecoded() {
	c.undecodedMu.Lock()
	frames := c.undecoded
	c.undecoded = nil
	c.undecodedMu.Unlock()

	for _, raw := range frames {
		if res, ok := protocol.DecryptWithFallback(raw, c.SessionKey()); ok {
			c.route(res)
		}
	}
}

func (c *Client) dropRequest(req *request) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if c.byAction[req.action] == req {
		delete(c.byAction, req.action)
	}
	for id, r := range c.byTx {
		if r == req {
			delete(c.byTx, id)
		}
	}
}

func (c *Client) receiveLoop() {
	defer c.wg.Done()
	buf := make([]byte, protocol.MaxPacketSize)

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		n, _, err := c.conn.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if c.ctx.Err() != nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "receiveLoop",
				"error":    err.Error(),
			}).Warn("Socket read failed")
			continue
		}

		res, ok := protocol.DecryptWithFallback(buf[:n], c.SessionKey())
		if !ok {
			c.bufferUndecoded(buf[:n])
			continue
		}
		c.route(res)
	}
}

func (c *Client) route(res protocol.DecodeResult) {
	switch res.Message.Action {
	case protocol.ActionCharacterCount:
		c.handleCharacterCount(res)
	case protocol.ActionConfirmCount:
		c.handleConfirmCount(res)
	case protocol.ActionAck:
		c.handleAck(res)
	case protocol.ActionError:
		c.handleError(res)
	default:
		c.handlePush(res)
	}
}

// handleCharacterCount verifies the server's signature report against
// the exact bytes this client sent and answers with the verdict.
func (c *Client) handleCharacterCount(res protocol.DecodeResult) {
	txID, okTx := res.Message.TransactionID()
	action, okAction := res.Message.DataString(protocol.KeyOriginalAction)
	freqs, okFreqs := res.Message.Frequencies(protocol.KeyLetterFrequencies)
	if !okTx || !okAction || !okFreqs {
		return
	}

	c.reqMu.Lock()
	req, ok := c.byAction[action]
	if ok {
		c.byTx[txID] = req
	}
	plainText := ""
	key := ""
	if ok {
		plainText = req.plainText
		key = req.key
	}
	c.reqMu.Unlock()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "handleCharacterCount",
			"action":   action,
		}).Warn("character_count for unknown request")
		return
	}

	match := crypto.Signature(freqs).Equal(crypto.ComputeSignature(plainText))
	if !match {
		logrus.WithFields(logrus.Fields{
			"function":       "handleCharacterCount",
			"transaction_id": txID,
			"action":         action,
		}).Warn("Server-reported signature does not match sent bytes, cancelling")
	}

	confirm := protocol.NewMessage(protocol.ActionConfirmCount)
	confirm.Data[protocol.KeyTransactionID] = txID
	confirm.Data[protocol.KeyConfirm] = match
	if _, err := c.codec.Send(c.serverAddr, confirm, key); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleCharacterCount",
			"error":    err.Error(),
		}).Warn("Failed to send confirm_count")
	}
}

// handleConfirmCount finishes a passive server-to-client flow: on a
// positive verdict the push is applied and acked as success, otherwise
// it is discarded and acked as failure.
func (c *Client) handleConfirmCount(res protocol.DecodeResult) {
	txID, okTx := res.Message.TransactionID()
	confirmed, okConfirm := res.Message.DataBool(protocol.KeyConfirm)
	if !okTx || !okConfirm {
		return
	}

	c.reqMu.Lock()
	push, ok := c.passive[txID]
	delete(c.passive, txID)
	c.reqMu.Unlock()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":       "handleConfirmCount",
			"transaction_id": txID,
		}).Warn("confirm_count for unknown push")
		return
	}

	status := protocol.StatusSuccess
	if confirmed {
		c.applyPush(push.msg)
	} else {
		logrus.WithFields(logrus.Fields{
			"function":       "handleConfirmCount",
			"transaction_id": txID,
			"action":         push.msg.Action,
		}).Warn("Server reported signature mismatch, discarding push")
		status = protocol.StatusFailure
	}

	ack := protocol.NewMessage(protocol.ActionAck)
	ack.Status = status
	ack.Data[protocol.KeyTransactionID] = txID
	if _, err := c.codec.Send(c.serverAddr, ack, push.key); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleConfirmCount",
			"error":    err.Error(),
		}).Warn("Failed to send ack")
	}
}

// handleAck completes an active request.
func (c *Client) handleAck(res protocol.DecodeResult) {
	txID, ok := res.Message.TransactionID()
	if !ok {
		return
	}

	c.reqMu.Lock()
	req, ok := c.byTx[txID]
	if ok {
		delete(c.byTx, txID)
		delete(c.byAction, req.action)
	}
	c.reqMu.Unlock()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":       "handleAck",
			"transaction_id": txID,
		}).Warn("Ack for unknown request")
		return
	}

	select {
	case req.ackCh <- res.Message:
	default:
	}
}

// handleError fails the matching request immediately instead of letting
// it wait out the attempt timeout.
func (c *Client) handleError(res protocol.DecodeResult) {
	logrus.WithFields(logrus.Fields{
		"function": "handleError",
		"message":  res.Message.Message,
	}).Warn("Server reported error")

	action, ok := res.Message.DataString(protocol.KeyOriginalAction)
	if !ok {
		return
	}
	c.reqMu.Lock()
	req, ok := c.byAction[action]
	c.reqMu.Unlock()
	if !ok {
		return
	}
	select {
	case req.ackCh <- res.Message:
	default:
	}
}

// handlePush opens the passive side of a server-to-client flow: report
// the signature of exactly what was decrypted and wait for the verdict.
func (c *Client) handlePush(res protocol.DecodeResult) {
	txID, ok := res.Message.TransactionID()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "handlePush",
			"action":   res.Message.Action,
		}).Warn("Push without transaction id, dropping")
		return
	}

	c.reqMu.Lock()
	c.passive[txID] = &passivePush{msg: res.Message, key: res.Key}
	c.reqMu.Unlock()

	report := protocol.NewMessage(protocol.ActionCharacterCount)
	report.Data[protocol.KeyTransactionID] = txID
	report.Data[protocol.KeyLetterFrequencies] = crypto.ComputeSignature(res.PlainText)
	if _, err := c.codec.Send(c.serverAddr, report, res.Key); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handlePush",
			"error":    err.Error(),
		}).Warn("Failed to send character_count")
	}
}

// applyPush hands a confirmed push to its registered handler.
func (c *Client) applyPush(msg *protocol.Message) {
	c.pushMu.RLock()
	fn, ok := c.handlers[msg.Action]
	c.pushMu.RUnlock()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "applyPush",
			"action":   msg.Action,
		}).Debug("No handler for push, ignoring")
		return
	}
	fn(msg)
}
