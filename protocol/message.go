// Package protocol defines the udpchat wire format, the keyed packet
// codec, and the transaction registry that drives the three-phase
// confirmation handshake.
//
// Every datagram, once decrypted, is a JSON object with at least an
// "action" field. Handshake control messages additionally carry a
// transaction_id inside the nested "data" object. The codec tries a
// session key first and falls back to the fixed pre-shared key, which is
// valid only for pre-authentication flows (login, register).
package protocol

import "encoding/json"

// FixedKey is the pre-shared key used only before a session key exists.
// Its length (9) is the cipher shift for unauthenticated traffic.
const FixedKey = "LoginKey9"

// MaxPacketSize is the largest datagram the service sends or receives.
const MaxPacketSize = 65507

// Handshake control actions. These four names are the fixed vocabulary
// of the confirmation protocol itself.
const (
	ActionCharacterCount = "character_count"
	ActionConfirmCount   = "confirm_count"
	ActionAck            = "ack"
	ActionError          = "error"
)

// Client-initiated business actions.
const (
	ActionLogin              = "login"
	ActionRegister           = "register"
	ActionGetUsers           = "get_users"
	ActionCreateRoom         = "create_room"
	ActionGetRooms           = "get_rooms"
	ActionGetMessages        = "get_messages"
	ActionSendMessage        = "send_message"
	ActionAddUserToRoom      = "add_user_to_room"
	ActionRemoveUserFromRoom = "remove_user_from_room"
	ActionDeleteRoom         = "delete_room"
	ActionRenameRoom         = "rename_room"
	ActionGetUserRooms       = "get_user_rooms"
	ActionGetRoomUsers       = "get_room_users"
)

// Server-pushed actions (delivered over the Server→Client flow).
const (
	ActionLoginSuccess    = "login_success"
	ActionRegisterSuccess = "register_success"
	ActionReceiveMessage  = "receive_message"
	ActionUsersList       = "users_list"
	ActionRoomCreated     = "room_created"
	ActionRoomsList       = "rooms_list"
	ActionMessagesList    = "messages_list"
	ActionUserAdded       = "user_added"
	ActionUserRemoved     = "user_removed"
	ActionRoomDeleted     = "room_deleted"
	ActionRoomRenamed     = "room_renamed"
	ActionUserRoomList    = "user_room_list"
	ActionRoomUsersList   = "room_users_list"
)

// Status values carried in the top-level "status" field.
const (
	StatusSuccess   = "success"
	StatusFailure   = "failure"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Reserved keys inside the nested "data" object. Business payloads must
// not collide with these.
const (
	KeyChatID            = "chatid"
	KeyPassword          = "password"
	KeySessionKey        = "session_key"
	KeyTransactionID     = "transaction_id"
	KeyConfirm           = "confirm"
	KeyLetterFrequencies = "letter_frequencies"
	KeyOriginalAction    = "original_action"
	KeyRoomID            = "room_id"
	KeyRoomName          = "room_name"
	KeyParticipants      = "participants"
	KeyContent           = "content"
	KeySenderChatID      = "sender_chatid"
	KeyTargetChatID      = "target_chatid"
	KeyTimestamp         = "timestamp"
)

// Error messages reported to peers.
const (
	ErrMsgInvalidJSON           = "Invalid JSON format or decryption failed."
	ErrMsgUnknownAction         = "Unknown action specified."
	ErrMsgMissingField          = "Missing required field: "
	ErrMsgAuthenticationFailed  = "Authentication failed. Invalid chatid or password."
	ErrMsgNotLoggedIn           = "User not logged in or session expired."
	ErrMsgRoomNotFound          = "Room not found."
	ErrMsgNotInRoom             = "You are not a participant in this room."
	ErrMsgUserNotFound          = "One or more users not found."
	ErrMsgDecryptionFailed      = "Failed to decrypt message with provided session key."
	ErrMsgPendingActionNotFound = "No pending action found for this confirmation/ack."
	ErrMsgInvalidState          = "Invalid state for current action."
	ErrMsgKeyMismatch           = "Key mismatch for transaction."
	ErrMsgSenderMismatch        = "Sender mismatch for transaction."
)

// Message is the decrypted form of every datagram on the wire.
type Message struct {
	Action  string                 `json:"action"`
	Status  string                 `json:"status,omitempty"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// NewMessage constructs a message with an empty data payload.
func NewMessage(action string) *Message {
	return &Message{
		Action: action,
		Data:   make(map[string]interface{}),
	}
}

// NewReply constructs a reply message carrying status and a human-readable
// note alongside the data payload.
func NewReply(action, status, note string, data map[string]interface{}) *Message {
	if data == nil {
		data = make(map[string]interface{})
	}
	return &Message{
		Action:  action,
		Status:  status,
		Message: note,
		Data:    data,
	}
}

// NewErrorReply constructs the error message sent for malformed requests
// before a transaction exists. originalAction names the action that
// triggered the error.
func NewErrorReply(originalAction, errorMessage string) *Message {
	return &Message{
		Action:  ActionError,
		Status:  StatusError,
		Message: errorMessage,
		Data: map[string]interface{}{
			KeyOriginalAction: originalAction,
		},
	}
}

// Serialize renders the message to its canonical JSON string. This exact
// string is what signatures are computed over, so callers must capture it
// before any re-serialization could drift.
func (m *Message) Serialize() (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DataString extracts a string field from the data payload.
func (m *Message) DataString(key string) (string, bool) {
	if m.Data == nil {
		return "", false
	}
	v, ok := m.Data[key].(string)
	return v, ok
}

// DataBool extracts a boolean field from the data payload.
func (m *Message) DataBool(key string) (bool, bool) {
	if m.Data == nil {
		return false, false
	}
	v, ok := m.Data[key].(bool)
	return v, ok
}

// DataStringSlice extracts a list of strings from the data payload.
// JSON arrays decode as []interface{}; each element must be a string.
func (m *Message) DataStringSlice(key string) ([]string, bool) {
	if m.Data == nil {
		return nil, false
	}
	raw, ok := m.Data[key].([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// TransactionID extracts data.transaction_id.
func (m *Message) TransactionID() (string, bool) {
	return m.DataString(KeyTransactionID)
}

// Frequencies extracts data.letter_frequencies as a signature map.
// A non-integer count invalidates the whole map.
func (m *Message) Frequencies(key string) (map[string]int, bool) {
	if m.Data == nil {
		return nil, false
	}
	raw, ok := m.Data[key].(map[string]interface{})
	if !ok {
		return nil, false
	}
	freqs := make(map[string]int, len(raw))
	for ch, v := range raw {
		count, ok := v.(float64)
		if !ok {
			return nil, false
		}
		freqs[ch] = int(count)
	}
	return freqs, true
}
