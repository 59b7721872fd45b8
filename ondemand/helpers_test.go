package ondemand

import (
	"os"
	"syscall"
	"testing"
)

func makePipePair() (*os.File, *os.File, error) {
	return os.Pipe()
}

func mustSocketpair(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return os.NewFile(uintptr(fds[0]), "a"), os.NewFile(uintptr(fds[1]), "b")
}

func writeFD(f *os.File, b []byte) (int, error) {
	return f.Write(b)
}
