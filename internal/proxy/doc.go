// Package proxy implements the gateway handler: requests routed to an origin
// are translated into upstream loads through the fetch engine, so concurrent
// clients asking for the same resource share one upstream transfer and later
// clients are served from cache.
package proxy
