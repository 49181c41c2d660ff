package models

// Message types exchanged over the real-time channel.
const (
	MsgMove               = "move"
	MsgChat               = "chat"
	MsgPing               = "ping"
	MsgPong               = "pong"
	MsgGameState          = "game_state"
	MsgError              = "error"
	MsgPlayerConnected    = "player_connected"
	MsgPlayerDisconnected = "player_disconnected"
)

// ChatSenderBot is the sender tag used for synthetic opponent chat lines.
const ChatSenderBot = "bot"

// InboundMessage is a client frame. Position is a pointer so a missing
// field can be told apart from cell 0.
type InboundMessage struct {
	Type     string `json:"type"`
	Position *int   `json:"position,omitempty"`
	Message  string `json:"message,omitempty"`
}

// GameStateMessage carries a full snapshot of the record.
type GameStateMessage struct {
	Type          string `json:"type"`
	Game          *Game  `json:"game"`
	Disconnection bool   `json:"disconnection,omitempty"`
	Message       string `json:"message,omitempty"`
}

// ErrorMessage is sent only to the connection that caused it.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PlayerMessage announces a participant connecting or leaving.
type PlayerMessage struct {
	Type   string `json:"type"`
	Player Mark   `json:"player"`
}

// ChatMessage relays a chat line.
type ChatMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Sender  string `json:"sender"`
}

// NewGameState builds a plain snapshot message.
func NewGameState(g *Game) GameStateMessage {
	return GameStateMessage{Type: MsgGameState, Game: g}
}

// NewDisconnectionWin builds the snapshot sent when a game is decided by a
// participant leaving.
func NewDisconnectionWin(g *Game, message string) GameStateMessage {
	return GameStateMessage{Type: MsgGameState, Game: g, Disconnection: true, Message: message}
}

// NewError builds an error frame.
func NewError(message string) ErrorMessage {
	return ErrorMessage{Type: MsgError, Message: message}
}
