package errors

import (
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// GoWrapper launches f in a goroutine and recovers any panic so one
// failing consumer or producer loop cannot take down the process.
// logger should already carry whatever component/partition fields
// identify f -- a bare, fieldless logger makes the recovered-panic
// line useless for finding which goroutine died.
func GoWrapper(f func(), logger logrus.FieldLogger) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("recovered from panic: %v", r)
				debug.PrintStack()
			}
		}()
		f()
	}()
}

// ErrorGroupWrapper embeds errgroup.Group and additionally recovers
// panics in member goroutines, turning them into a returned error
// instead of crashing the process. Used where several independent
// tasks (e.g. a partition's leaf ingestors) must all start together
// and a panic in one must surface as a Wait error rather than take
// down its siblings silently.
type ErrorGroupWrapper struct {
	*errgroup.Group
	logger logrus.FieldLogger

	returnErr error
}

// NewErrorGroupWrapper creates a group whose panic-recovery log lines
// are attributed through logger, which should carry whatever
// component/partition fields identify this group's caller.
func NewErrorGroupWrapper(logger logrus.FieldLogger) *ErrorGroupWrapper {
	return &ErrorGroupWrapper{Group: new(errgroup.Group), logger: logger}
}

// Go runs f with panic recovery, logging localVars alongside any
// recovered panic to identify which of the group's members failed.
func (egw *ErrorGroupWrapper) Go(f func() error, localVars ...interface{}) {
	egw.Group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				egw.logger.WithField("vars", localVars).Errorf("recovered from panic in error group member: %v", r)
				debug.PrintStack()
				err = fmt.Errorf("panic in error group member: %v", r)
				egw.returnErr = err
			}
		}()
		return f()
	})
}

// Wait waits for every member to finish and returns the first
// non-nil error, whether from a normal return or a recovered panic.
func (egw *ErrorGroupWrapper) Wait() error {
	if err := egw.Group.Wait(); err != nil {
		return err
	}
	return egw.returnErr
}
