// Package http serves the dispatch table over plain HTTP and exposes the
// health probes.
//
// # Request Flow
//
//	HTTP Request → Chi Router → chi middleware → Adapter → Executor → Handler
//	                                                 ↓
//	HTTP Response ← render.JSON / ProblemDetails ←───┘
//
// The Adapter turns every request into a dispatch.Input (method, path,
// query, headers, cookies and the raw body), resolves the caller's session,
// and runs the matched route through the executor. Handlers never see the
// http.ResponseWriter: the status, headers and cookies they set on the
// dispatch response are applied by the adapter, and the payload is rendered
// with go-chi/render.
//
// # Error Handling
//
// All errors follow RFC 7807 Problem Details:
//
//	{
//	    "type": "/errors/unauthorized",
//	    "title": "Unauthorized",
//	    "status": 401,
//	    "detail": "Authentication required",
//	    "instance": "/api/ping",
//	    "trace_id": "…"
//	}
//
// A token that fails verification on an HTTP request is treated as absent,
// so routes without the auth middleware stay reachable; routes with it
// answer 401.
package http
