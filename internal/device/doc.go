// Package device provides the orchestrator's live device registry.
//
// The registry is the in-memory table of devices that have announced
// themselves on the bus: their capabilities (loaded module names),
// liveness and the current reservation holder. Nothing is persisted;
// after a restart devices reappear with their next heartbeat.
//
// # Reservations
//
// A reservation is an exclusive, holder-scoped lock. Reserve succeeds only
// if the device is free or already held by the same holder, so exactly one
// of many racing callers wins an unheld device. Release succeeds only for
// the current holder. A reservation may carry a lease; once the lease
// lapses the device counts as free again.
//
// # Liveness
//
// Agents publish heartbeats on /lab/device/{id}/meta. HandleMeta feeds
// them into the registry and the broker's LWT (status "offline") marks a
// device offline. Devices silent for longer than the configured TTL are
// removed by Expire, which also force-releases their reservations.
//
// # Thread Safety
//
// The device map is guarded by a sync.RWMutex and every device carries its
// own mutex. Reserve, Release and Expire for one device are mutually
// exclusive; operations on different devices do not contend.
//
// # Usage
//
//	reg := device.NewRegistry(device.WithObserver(hub.Observe))
//	reg.SetLogger(log)
//
//	reg.Register("ndi-01", []string{"ndi"})
//	if !reg.Reserve("ndi-01", "userA") {
//	    // device busy
//	}
//	defer reg.Release("ndi-01", "userA")
package device
