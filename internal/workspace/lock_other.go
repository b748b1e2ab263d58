//go:build !unix

package workspace

import "os"

// Advisory file locks are not wired up on this platform; concurrent
// runs on the same workspace are not detected.
func lockFile(f *os.File) error { return nil }

func unlockFile(f *os.File) error { return nil }
