// Package server hosts the Fiber HTTP service, the request-id middleware and
// the origin registry that maps an incoming Host to its upstream. Gateway
// traffic is handed to a ProxyHandler; paths under /-/ are left to the
// diagnostics routes registered by the routes package. Keep exports narrow
// and accept explicit dependencies.
package server
