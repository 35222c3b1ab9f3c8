//go:build !linux

package pipes

// SetChildSubreaper is a no-op where the platform has no subreaper
// concept; orphaned grandchildren are adopted by PID 1 and surface as
// unknown reaped pids there.
func SetChildSubreaper() error {
	return nil
}
