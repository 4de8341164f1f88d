// Package server is the WebSocket sync server for collaborative boards.
//
// Clients connect to /ws and exchange JSON frames of the form
// {"type": "...", "data": {...}}. Each connection joins at most one board
// at a time. Draw events carry the full scene: the server checks the
// sender's grant, applies the scene to the board cache, which persists it
// after a short debounce, and relays it to every other member of the board.
//
// All work for one board runs under that board's room lock, so every member
// sees its updates in the same order. Boards never share a lock.
//
// Basic usage:
//
//	backend := store.NewMemoryStore()
//	srv, err := server.New(server.DefaultServerConfig(), backend,
//	    server.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	return srv.Run()
//
// HTTP routes:
//
//	GET /ws                              WebSocket endpoint
//	GET /api/boards/{boardID}/presence   users currently on a board
//	GET /healthz                         liveness and cache summary
//	GET /metrics                         when WithMetricsHandler is set
package server
