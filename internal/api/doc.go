// Package api implements the orchestrator's HTTP API and WebSocket stream.
//
// This package provides:
//   - Device registry endpoints (list, get, stats, reserve, release)
//   - Plugin route mounting under /api/v1/plugins/{module}
//   - A WebSocket event stream of registry and schedule events
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//   - Prometheus exposition at /metrics
//
// # Architecture
//
// HTTP callers reach devices through plugins. A plugin route validates the
// request and sends one command through the request broker; the device's
// response becomes the HTTP response. Reservations are held per caller,
// named by the X-Lab-Actor header (default "api").
//
// The hub is created before the device registry so it can be passed as the
// registry observer:
//
//	hub := api.NewHub(cfg.WebSocket, logger)
//	devices := device.NewRegistry(device.WithObserver(hub.Observe))
//	srv, err := api.New(api.Deps{Devices: devices, Hub: hub, ...})
//
// Stream clients subscribe to registry channels such as "device.reserved",
// to a family such as "device.*", to "schedule.run" for finished scheduled
// jobs, or to "*". Every event arrives as
//
//	{"type":"event","channel":"device.reserved","ts":"...","data":{...}}
package api
