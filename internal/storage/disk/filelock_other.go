//go:build !unix

package disk

import "os"

// Without fcntl only the in-process stripe mutex serializes creates.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
