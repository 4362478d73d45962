package handlers

import (
	"specter/core"
	"specter/events"
	"specter/plugins"
)

// Shared application state the handlers operate on. Set once by
// api.NewRouter before the server starts accepting requests.
var (
	proxyInstance *core.Proxy
	pipeline      *core.Pipeline
	pluginManager *plugins.Manager
	authority     *core.Authority
	broker        *events.Broker
	proxyBasePort int
)

// Configure wires the handlers to the running application components.
func Configure(p *core.Proxy, pl *core.Pipeline, m *plugins.Manager, a *core.Authority, b *events.Broker, basePort int) {
	proxyInstance = p
	pipeline = pl
	pluginManager = m
	authority = a
	broker = b
	proxyBasePort = basePort
}
