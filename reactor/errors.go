//go:build linux

package reactor

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/therotherithethethe/asonc/bufpool"
)

var (
	ErrConfiguration     = bufpool.ErrConfiguration
	ErrAcceptFailed      = errors.New("accept failed")
	ErrUnsupportedKernel = errors.New("kernel lacks required io_uring features")
	ErrAlreadyRunning    = errors.New("loop already started")
)

//StartupError failure before the loop starts serving. Op names the failed call.
type StartupError struct {
	Op  string
	Err error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err.Error())
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

//Errno the OS error code behind the failure, 0 when there is none.
func (e *StartupError) Errno() syscall.Errno {
	var errno syscall.Errno
	if errors.As(e.Err, &errno) {
		return errno
	}
	return 0
}

func joinErr(err1, err2 error) error {
	if err1 == nil {
		return err2
	}
	if err2 == nil {
		return err1
	}

	return fmt.Errorf("multiple errors: %w and %s", err1, err2.Error())
}
