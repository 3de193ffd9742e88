//go:build !cgo

package utils

// SetProcTitle is a no-op in static builds; gspt needs cgo.
func SetProcTitle(string) {}
