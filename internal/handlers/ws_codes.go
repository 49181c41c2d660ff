// internal/handlers/ws_codes.go
package handlers

import "github.com/coder/websocket"

// Close codes used by the game socket. Standard codes cover credential,
// membership and dependency failures; 4xxx codes are specific to this
// service.
const (
	InvalidCredentialClose   = websocket.StatusPolicyViolation // 1008: credential rejected
	NotParticipantClose      = websocket.StatusPolicyViolation // 1008: caller holds no slot in the game
	IdentityUnavailableClose = websocket.StatusTryAgainLater   // 1013: identity service unreachable
	StoreFailureClose        = websocket.StatusInternalError   // 1011: game store failed
	GameNotFoundClose        = websocket.StatusCode(4404)      // game id unknown
	ReplacedClose            = websocket.StatusCode(4409)      // same participant connected again
)
