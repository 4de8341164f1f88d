// Package client implements a board peer: the reconciliation between local
// edits and scenes received from the server, and a WebSocket client that
// keeps a board session alive across reconnects.
//
// A Reconciler is either idle or applying a remote scene. Remote scenes are
// installed through a SceneApplier; any local change the editor reports while
// that is in progress is treated as an echo and dropped. Idle local changes
// are compared with the last known scene and only emitted when they differ.
//
//	c, err := client.New(client.Config{
//	    URL:     "ws://localhost:8080/ws",
//	    UserID:  "alice",
//	    BoardID: "b1",
//	}, client.Handlers{
//	    Scene:  editor.Replace,
//	    Roster: statusBar.SetUsers,
//	})
//	go c.Run(ctx)
//	editor.OnChange(func(s client.Scene) { c.LocalChange(s) })
package client
