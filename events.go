package modhost

// Event name constants for the host runtime's own traffic. External
// collaborators rely on the namespaces staying stable: system.* carries
// host-level status, module.* carries lifecycle transitions, worker.*
// carries background-task control, websocket.* belongs to the transport
// layer and never collides with the others.
const (
	// Module lifecycle events, emitted by the lifecycle manager in exact
	// transition order.
	EventModuleLoading           = "module.loading"
	EventModuleLoaded            = "module.loaded"
	EventModuleInitializing      = "module.initializing"
	EventModuleReady             = "module.ready"
	EventModuleError             = "module.error"
	EventModuleUnloading         = "module.unloading"
	EventModuleUnloaded          = "module.unloaded"
	EventModuleReloading         = "module.reloading"
	EventModuleReloaded          = "module.reloaded"
	EventModuleReloadError       = "module.reload_error"
	EventModuleReloadAllComplete = "module.reload_all_complete"
	EventModuleChangesDetected   = "module.changes_detected"

	// Request events answered by the lifecycle manager over the bus.
	EventModuleListRequest  = "module.list_request"
	EventModuleCheckChanges = "module.check_changes"
	EventModuleGraphRequest = "module.dependency_graph_request"

	// Side channel for isolated handler failures during publish.
	EventHandlerError = "handler.error"

	// Host-level status events.
	EventSystemHeartbeat     = "system.heartbeat"
	EventSystemMetrics       = "system.metrics"
	EventSystemStatusRequest = "system.status_request"

	// Background worker control and status events.
	EventWorkerStart   = "worker.start"
	EventWorkerStop    = "worker.stop"
	EventWorkerStarted = "worker.started"
	EventWorkerStopped = "worker.stopped"
	EventWorkerError   = "worker.error"

	// Transport-layer events for the WebSocket relay.
	EventWebSocketConnected    = "websocket.connected"
	EventWebSocketDisconnected = "websocket.disconnected"
	EventWebSocketSend         = "websocket.send"
	EventWebSocketBroadcast    = "websocket.broadcast"
)
