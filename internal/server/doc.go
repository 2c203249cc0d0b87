// Package server runs the socket server process: it binds the XMLSocket, ws
// and wss listeners, turns every accepted connection into a session, exposes
// the shared event bus and command table to the host application, and serves
// the admin API.
//
// Usage:
//
//	srv := server.New(cfg, logger)
//	srv.On(events.PostConnect, func(ev events.Event) {
//		_ = ev.Session.Call("welcome", "hello")
//	})
//	if err := srv.Start(ctx); err != nil {
//		return err
//	}
//	<-ctx.Done()
//	srv.Stop(shutdownCtx)
package server
