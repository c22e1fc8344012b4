// Package bridge is the collaboration server core: it accepts websocket
// connections from peer agents, authenticates and admits them, routes their
// frames through a permission-checked dispatch table, and runs the background
// tasks (downstream health supervision, idle reaping, mirror flushing) that
// keep the bridge healthy.
package bridge
