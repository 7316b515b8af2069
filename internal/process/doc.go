// Package process provides generic subprocess lifecycle management.
//
// Device modules use it for the long-running media tools they drive:
// viewers, encoders and recorders started from operator-supplied command
// templates.
//
// Features:
//   - Start/stop in a dedicated process group with a configurable stop signal
//   - Graceful timeout followed by SIGKILL
//   - Optional automatic restart with exponential backoff
//   - Log capture from subprocess stdout/stderr
//   - Command templates split shell-style before placeholder substitution
//
// Example usage:
//
//	cfg, err := process.FromTemplate("viewer", "ndi-viewer --source {source}",
//	    map[string]string{"source": "STUDIO (CAM 1)"})
//	if err != nil {
//	    return err
//	}
//	cfg.GracefulTimeout = 2 * time.Second
//
//	mgr := process.NewManager(cfg)
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	defer mgr.Stop()
package process
