// Package bootstrap wires configuration, logging and the storage manager into
// a runnable application.
//
// Usage:
//
//	app, err := bootstrap.NewApp(ctx, bootstrap.Options{ConfigFile: "config.yaml"})
//	if err != nil {
//	    return err
//	}
//	defer app.Shutdown()
//
//	if err := app.Start(ctx); err != nil {
//	    return err
//	}
//
//	// Block until SIGINT/SIGTERM or ctx is done
//	app.WaitForShutdown(ctx)
package bootstrap
