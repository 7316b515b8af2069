// Package overrides stores per-device module configuration overrides in
// the agent's SQLite database.
//
// Overrides are written by operators (labagent override set) and read by
// the extension registry as the last configuration layer, after manifest
// defaults, the config file and the environment. A dotted key such as
// "ndi_env.NDI_RUNTIME" addresses a nested value.
package overrides
