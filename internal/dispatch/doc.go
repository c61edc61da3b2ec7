// Package dispatch is the request-dispatch core shared by the HTTP API and the
// WebSocket event layer.
//
// # Routes and groups
//
// A Table holds every route. HTTP routes are keyed by verb and a slash
// separated pattern that may contain named segments (":id"); WebSocket events
// use MethodEvent and are matched by exact name. Routes can be collected in
// Groups, which prefix their patterns and prepend middleware names:
//
//	api := dispatch.NewGroup(
//	    table.Get("ping", ping).Use("log"),
//	    dispatch.NewGroup(
//	        table.Post("notes", createNote).Validate("note"),
//	    ).Middleware("auth"),
//	).Prefix("/api")
//
// Each group may be prefixed once and given middleware once; applying
// either twice panics, as does mutating a route after Table.Freeze.
//
// # Execution
//
// An Executor resolves the route's middleware names against a Kernel and runs
// them in order. Every middleware receives a one-shot Next: calling it runs the
// rest of the chain, not calling it short-circuits, returning an error aborts.
// The validator (if declared) runs after the last middleware and before the
// handler. The whole chain runs under an optional time budget.
//
//	HTTP request / WS frame -> Context -> Table.Match -> Executor.Execute
//	    -> mw[0] -> next -> mw[1] -> ... -> validator -> handler -> Response
package dispatch
