// Package repopool manages working trees of multiple repositories.
// Repositories are identified by their remote and branch, remote can be given
// in any supported url syntax.
//
// Pool serialises all operations on a single working tree, builds of
// different repositories can run concurrently.
//
// # Usages
//
// please see examples below
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
//	repos, err := repopool.New(conf, logger.With("logger", "build-sync"), "", nil)
//	if err != nil {
//		panic(err)
//	}
package repopool
