package protocol

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/udpchat/crypto"
)

// Direction identifies which party initiated a handshake.
type Direction uint8

const (
	// ClientToServer is a client-issued command flow.
	ClientToServer Direction = iota
	// ServerToClient is a server-pushed notification flow.
	ServerToClient
)

// String returns the direction's transaction-id prefix form.
func (d Direction) String() string {
	if d == ServerToClient {
		return "S2C"
	}
	return "C2S"
}

// State is the position of a transaction inside its handshake.
type State uint8

const (
	// WaitingForConfirm: C2S flow, server sent character_count and waits
	// for the client's confirm_count.
	WaitingForConfirm State = iota
	// WaitingForCharCount: S2C flow, server sent the initial push and
	// waits for the recipient's character_count.
	WaitingForCharCount
	// WaitingForAck: S2C flow, server sent confirm_count and waits for
	// the recipient's final ack.
	WaitingForAck
)

// String returns a log-friendly state name.
func (s State) String() string {
	switch s {
	case WaitingForConfirm:
		return "WAITING_FOR_CONFIRM"
	case WaitingForCharCount:
		return "WAITING_FOR_CHAR_COUNT"
	case WaitingForAck:
		return "WAITING_FOR_ACK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// PendingTransaction tracks one in-flight handshake between its initial
// send and its terminal ack. The transaction registry exclusively owns
// every instance; callbacks receive one by reference only for the
// duration of their execution.
type PendingTransaction struct {
	// ID is the server-minted transaction identifier, prefixed with
	// direction and action for debuggability.
	ID string
	// Direction never changes for the transaction's lifetime.
	Direction Direction
	// State is mutated only through Registry.Transition.
	State State
	// OriginalMessage is the full structured payload of the message that
	// started the flow.
	OriginalMessage *Message
	// OriginalSerialized is the exact string form used to compute the
	// reference signature, captured before re-serialization could drift.
	OriginalSerialized string
	// ExpectedSignature is the character histogram of OriginalSerialized.
	ExpectedSignature crypto.Signature
	// PartnerAddr is the other party's endpoint for this exchange.
	PartnerAddr net.Addr
	// TransactionKey is the key (session or fixed) the whole exchange is
	// encrypted under. Fixed at creation, never rotated.
	TransactionKey string

	CreatedAt     time.Time
	LastUpdatedAt time.Time
}

// NewTransactionID mints a globally unique transaction identifier whose
// prefix records the flow direction and the action that started it.
func NewTransactionID(direction Direction, action string) string {
	return fmt.Sprintf("%s_%s_%s", direction, action, uuid.NewString())
}

// NewPendingTransaction builds a transaction record for a flow starting
// now. serialized must be the exact wire plaintext of msg.
func NewPendingTransaction(id string, direction Direction, state State, msg *Message, serialized string, partner net.Addr, key string) *PendingTransaction {
	now := time.Now()
	return &PendingTransaction{
		ID:                 id,
		Direction:          direction,
		State:              state,
		OriginalMessage:    msg,
		OriginalSerialized: serialized,
		ExpectedSignature:  crypto.ComputeSignature(serialized),
		PartnerAddr:        partner,
		TransactionKey:     key,
		CreatedAt:          now,
		LastUpdatedAt:      now,
	}
}

// OriginalAction returns the action of the message that started the flow.
func (p *PendingTransaction) OriginalAction() string {
	if p.OriginalMessage == nil {
		return "unknown"
	}
	return p.OriginalMessage.Action
}

// PartnerMatches reports whether addr is the endpoint this transaction
// was created against. Handshake messages from any other endpoint are
// rejected without mutating state.
func (p *PendingTransaction) PartnerMatches(addr net.Addr) bool {
	return p.PartnerAddr.String() == addr.String()
}

// String renders a compact description for logs.
func (p *PendingTransaction) String() string {
	return fmt.Sprintf("transaction{id=%s, direction=%s, state=%s, action=%s, partner=%s}",
		p.ID, p.Direction, p.State, p.OriginalAction(), p.PartnerAddr)
}
