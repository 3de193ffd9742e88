//go:build cgo

package utils

import "github.com/erikdubbelboer/gspt"

// SetProcTitle shows title in ps output so the listen address is visible.
func SetProcTitle(title string) {
	gspt.SetProcTitle(title)
}
