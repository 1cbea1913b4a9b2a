package procgroup

import "time"

// StopWithGrace sends SIGTERM to the group, then SIGKILL if exited is not
// closed within grace. It blocks until one of the two happens.
func StopWithGrace(pid int, exited <-chan struct{}, grace time.Duration) error {
	if err := Terminate(pid); err != nil {
		return err
	}
	if grace <= 0 {
		return Kill(pid)
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-exited:
		return nil
	case <-timer.C:
		return Kill(pid)
	}
}
