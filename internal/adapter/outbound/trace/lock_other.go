//go:build !unix

package trace

import "os"

// Advisory locking is a no-op on platforms without flock.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) {}
