// Package repository keeps a checked out working tree of a remote branch in
// sync and runs build actions on it at a given revision.
// It also reads commit identifiers and commit metadata from the working tree.
//
// Working tree is cloned once and then updated in place with `checkout` and
// `pull`, it is never removed by this package. All git commands are executed
// with argument lists, nothing is passed through a shell.
//
// Repository does not lock, only one operation should be in flight for a
// working tree at a time. use [repopool] if repositories are shared.
//
// # Logging:
//
// package takes slog reference for logging and prints logs up to 'trace' level
//
// Example:
//
//	loggerLevel  = new(slog.LevelVar)
//	levelStrings = map[string]slog.Level{
//		"trace": slog.Level(-8),
//		"debug": slog.LevelDebug,
//		"info":  slog.LevelInfo,
//		"warn":  slog.LevelWarn,
//		"error": slog.LevelError,
//	}
//
//	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//		Level: loggerLevel,
//	}))
//	loggerLevel.Set(levelStrings["trace"])
//
//	repo, err := repository.New(repoConf, "", nil, logger)
//	if err != nil {
//		panic(err)
//	}
//
//	err = repo.RunAtRevision(ctx, "v1.2.0", func(ctx context.Context, dir string) error {
//		return runBuild(ctx, dir)
//	})
//
// [repopool]: https://pkg.go.dev/github.com/utilitywarehouse/build-sync/repopool
package repository
