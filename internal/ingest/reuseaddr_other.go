//go:build !unix

package ingest

import "syscall"

func reuseAddr(_, _ string, _ syscall.RawConn) error {
	return nil
}
