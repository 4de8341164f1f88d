// Package protocol implements the JSON wire protocol spoken between whiteboard
// clients and the boardsync server.
//
// Every WebSocket text frame carries a single envelope:
//
//	{"type": "draw", "data": {...}}
//
// The type selects one of a fixed set of message variants. Decode parses an
// envelope into the matching Go type and validates its required fields, so
// the rest of the server only ever sees well-formed messages. Encode does the
// reverse for outbound traffic.
//
// # Client → Server
//
//   - join-board:          {boardId, userId}
//   - leave-board:         {boardId}
//   - draw:                {boardId, userId, elements, backgroundColor, timestamp}
//   - request-board-state: {boardId}
//   - cursor-position:     {boardId, userId, x, y}
//
// # Server → Client
//
//   - board-state:     {boardId, elements, backgroundColor}
//   - draw:            relayed scene update (same shape as above)
//   - user-joined:     {userId, name, joinedAt}
//   - user-left:       {userId}
//   - active-users:    [{userId, name, joinedAt}]
//   - cursor-position: {userId, x, y}
//   - error:           {code, message}
//
// Scene elements are carried as raw JSON and never interpreted by the server.
package protocol
