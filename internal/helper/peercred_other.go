//go:build !darwin && !linux

package helper

import (
	"fmt"
	"net"
	"runtime"
)

func peerUID(net.Conn) (uint32, error) {
	return 0, fmt.Errorf("peer credentials unsupported on %s", runtime.GOOS)
}
