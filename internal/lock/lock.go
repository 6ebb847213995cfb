//go:build !deadlock_test

// Package lock provides the mutex types used across the module. Building
// with the `deadlock_test` tag swaps them for deadlock detecting versions.
package lock

import "sync"

type Mutex struct {
	sync.Mutex
}

type RWMutex struct {
	sync.RWMutex
}
