// Package shared contains error kinds used across the engines, the HTTP
// bridge and the transaction queue.
//
// Engines mark their failures with a Kind so that callers higher up can react
// without knowing which engine produced them:
//
//	if !e.isOpen(name) {
//	    return shared.Markf(shared.KindNotFound, "database %q is not open", name)
//	}
//
// The HTTP bridge turns kinds into status codes and back again, so a
// NotFound raised by the SQLite engine on the server side is still a NotFound
// on the client side:
//
//	switch shared.KindOf(err) {
//	case shared.KindNotFound:
//	    return http.StatusNotFound
//	case shared.KindConflict:
//	    return http.StatusConflict
//	}
//
// Messages are lowercase and unpunctuated so they compose when wrapped.
package shared
