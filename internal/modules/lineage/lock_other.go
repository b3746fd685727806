//go:build !unix

package lineage

import "os"

// Without flock only the in-process family mutex serializes writers.
func lockExclusive(f *os.File) error {
	return nil
}

func unlock(f *os.File) error {
	return nil
}
