// Package extension loads modules and plugins from manifests and keeps
// the live instances.
//
// An extension is described by a manifest (manifest.yaml, manifest.yml or
// manifest.json) in its own directory. The manifest's entry point names a
// constructor registered in a Factories table at startup; nothing is
// resolved by reflection.
//
//	factories := extension.NewFactories()
//	factories.Register("ndi_module:NDIModule", ndi.New)
//
//	reg := extension.NewRegistry(factories, extension.WithLogger(log))
//	if err := reg.LoadAll(ctx, cfg.Agent.ModulesDir, rc); err != nil {
//	    return err
//	}
//	defer reg.ShutdownAll(context.Background())
//
// Configuration handed to a constructor is merged from schema defaults,
// the manifest's default_config and then each override source in order,
// later sources winning. The result is validated against the manifest's
// config_schema before the constructor runs.
package extension
