// Package engine implements the udpchat protocol engine: the UDP socket
// owner that decrypts inbound frames, drives both three-phase handshake
// state machines, and invokes registered action callbacks once a
// client-to-server transaction is positively confirmed.
//
// Example:
//
//	sessions := session.NewRegistry()
//	transactions := protocol.NewRegistry()
//	eng, err := engine.New(engine.DefaultOptions(), sessions, transactions)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	eng.RegisterAction(protocol.ActionLogin, loginHandler.ProcessConfirmed)
//	eng.Start()
//	defer eng.Close()
package engine

import (
	"context"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/udpchat/protocol"
	"github.com/opd-ai/udpchat/session"
)

// ActionFunc is a confirmed-action business callback. It receives the
// pending transaction by reference for the duration of the call only and
// must not retain it past return. Its result becomes the status of the
// final ack.
type ActionFunc func(tx *protocol.PendingTransaction) bool

// Options configures an Engine.
type Options struct {
	// ListenAddr is the UDP address to bind, e.g. ":9876".
	ListenAddr string
	// Workers bounds concurrent datagram processing. Zero means one
	// worker per available CPU.
	Workers int
	// TransactionTimeout is how long a handshake may sit idle before the
	// sweeper reclaims it.
	TransactionTimeout time.Duration
	// SessionMaxIdle is how long a session may sit idle before the
	// sweeper removes it.
	SessionMaxIdle time.Duration
	// SweepInterval is how often the background sweeper runs.
	SweepInterval time.Duration
	// ReadTimeout bounds each blocking socket read so shutdown is
	// responsive.
	ReadTimeout time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		ListenAddr:         ":9876",
		TransactionTimeout: 60 * time.Second,
		SessionMaxIdle:     30 * time.Minute,
		SweepInterval:      5 * time.Minute,
		ReadTimeout:        100 * time.Millisecond,
	}
}

// Engine owns the UDP socket and orchestrates the protocol. Construct
// with New, wire callbacks with RegisterAction, then Start.
type Engine struct {
	conn         net.PacketConn
	codec        *protocol.Codec
	sessions     *session.Registry
	transactions *protocol.Registry
	opts         Options

	actionsMu sync.RWMutex
	actions   map[string]ActionFunc

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers chan struct{}
}

// New binds the listen address and prepares an engine. The registries
// are injected so tests can run isolated instances.
func New(opts Options, sessions *session.Registry, transactions *protocol.Registry) (*Engine, error) {
	conn, err := net.ListenPacket("udp", opts.ListenAddr)
	if err != nil {
		return nil, err
	}

	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		conn:         conn,
		codec:        protocol.NewCodec(conn),
		sessions:     sessions,
		transactions: transactions,
		opts:         opts,
		actions:      make(map[string]ActionFunc),
		ctx:          ctx,
		cancel:       cancel,
		workers:      make(chan struct{}, opts.Workers),
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"addr":     conn.LocalAddr().String(),
		"workers":  opts.Workers,
	}).Info("Protocol engine initialized")
	return e, nil
}

// LocalAddr returns the bound UDP address.
func (e *Engine) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// Sessions returns the injected session registry.
func (e *Engine) Sessions() *session.Registry {
	return e.sessions
}

// Transactions returns the injected transaction registry.
func (e *Engine) Transactions() *protocol.Registry {
	return e.transactions
}

// RegisterAction binds a confirmed-action callback to an action name.
// The table is consulted instead of a switch so new business actions
// extend the engine without modifying it.
func (e *Engine) RegisterAction(action string, fn ActionFunc) {
	e.actionsMu.Lock()
	defer e.actionsMu.Unlock()
	e.actions[action] = fn
}

// action looks up the registered callback for an action name.
func (e *Engine) action(name string) (ActionFunc, bool) {
	e.actionsMu.RLock()
	defer e.actionsMu.RUnlock()
	fn, ok := e.actions[name]
	return fn, ok
}

// Start launches the receive loop and the background sweeper.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.receiveLoop()

	if e.opts.SweepInterval > 0 {
		e.wg.Add(1)
		go e.sweepLoop()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"addr":     e.conn.LocalAddr().String(),
	}).Info("Protocol engine started")
}

// Close stops the loops and releases the socket.
func (e *Engine) Close() error {
	e.cancel()
	err := e.conn.Close()
	e.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
	}).Info("Protocol engine stopped")
	return err
}

// receiveLoop is the single thread that owns the blocking receive. Each
// datagram is copied and handed to a bounded worker; the loop itself
// never processes packets.
func (e *Engine) receiveLoop() {
	defer e.wg.Done()
	buf := make([]byte, protocol.MaxPacketSize)

	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}

		_ = e.conn.SetReadDeadline(time.Now().Add(e.opts.ReadTimeout))
		n, addr, err := e.conn.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if e.ctx.Err() != nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "receiveLoop",
				"error":    err.Error(),
			}).Warn("Socket read failed")
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])

		select {
		case e.workers <- struct{}{}:
		case <-e.ctx.Done():
			return
		}
		e.wg.Add(1)
		go func(raw []byte, addr net.Addr) {
			defer e.wg.Done()
			defer func() { <-e.workers }()
			e.processDatagram(raw, addr)
		}(raw, addr)
	}
}

// sweepLoop periodically reclaims stale transactions and idle sessions,
// independent of the request path.
func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.SweepOnce()
		}
	}
}

// SweepOnce runs one sweep pass: stale transactions, idle sessions, and
// the transactions bound to any endpoint whose session was removed.
func (e *Engine) SweepOnce() {
	swept := e.transactions.Sweep(e.opts.TransactionTimeout)

	removed := e.sessions.SweepInactive(e.opts.SessionMaxIdle)
	for _, sess := range removed {
		swept += e.transactions.RemoveForPartner(sess.Addr)
	}

	if swept > 0 || len(removed) > 0 {
		logrus.WithFields(logrus.Fields{
			"function":             "SweepOnce",
			"transactions_removed": swept,
			"sessions_removed":     len(removed),
		}).Info("Sweep pass completed")
	}
}
