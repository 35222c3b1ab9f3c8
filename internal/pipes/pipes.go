// Package pipes owns the anonymous-pipe plumbing between the master,
// its workers and the mold, including forwarding the pipe file
// descriptors across exec.
package pipes

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/toregeschliman/puma/pkg/consts"
	"github.com/toregeschliman/puma/pkg/logger"
)

// Set holds one side of the cluster's pipe fabric.
//
// The master owns all six ends. A child inherits exactly three: the
// check-pipe read end (EOF means the master died), the status-pipe
// write end (BOOT/PING/TERM... messages), and the fork-pipe read end
// (consumed only by the active mold). Children never see the other
// ends, so closing SuicideW in the master is observed as EOF by every
// child at once.
type Set struct {
	CheckR   *os.File // child: parent-death watchdog read end
	SuicideW *os.File // master: held open for the process lifetime

	StatusR *os.File // master: worker status read end
	StatusW *os.File // child: shared status write end

	ForkR *os.File // mold: worker-index read end
	ForkW *os.File // master: worker-index write end

	statusRFD int
}

// NewSet creates the master-side pipe fabric. The status read end is
// switched to non-blocking so the master can drain it after a poll
// without ever stalling the loop.
func NewSet() (*Set, error) {
	s := &Set{statusRFD: -1}

	var err error
	if s.CheckR, s.SuicideW, err = os.Pipe(); err != nil {
		return nil, err
	}
	if s.StatusR, s.StatusW, err = os.Pipe(); err != nil {
		s.Close()
		return nil, err
	}
	if s.ForkR, s.ForkW, err = os.Pipe(); err != nil {
		s.Close()
		return nil, err
	}

	fd := int(s.StatusR.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		s.Close()
		return nil, err
	}
	s.statusRFD = fd
	return s, nil
}

// StatusFD returns the raw descriptor of the status read end, for use
// with WaitReadable and StatusReader.
func (s *Set) StatusFD() int { return s.statusRFD }

// ChildFiles returns the files forwarded to a spawned worker, in the
// fixed role order the child reconstructs them in. ExtraFiles land at
// descriptor 3 onward in the child.
func (s *Set) ChildFiles() []*os.File {
	return []*os.File{s.CheckR, s.StatusW, s.ForkR}
}

// ChildEnv returns the inheritance announcement for a spawned worker.
func (s *Set) ChildEnv() []string {
	return []string{fmt.Sprintf("%s=%d", consts.EnvInheritedFDs, len(s.ChildFiles()))}
}

// Inherited reconstructs the child side of the pipe fabric from the
// descriptors forwarded by the parent. Role order is fixed: check,
// status, fork.
func Inherited() (*Set, error) {
	raw := os.Getenv(consts.EnvInheritedFDs)
	if raw == "" {
		return nil, fmt.Errorf("%s not set: not spawned by a cluster master", consts.EnvInheritedFDs)
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count != 3 {
		return nil, fmt.Errorf("unexpected %s=%q", consts.EnvInheritedFDs, raw)
	}
	// Clear it so processes we spawn that are not workers don't see it.
	os.Unsetenv(consts.EnvInheritedFDs)

	logger.Log.Debug("Pipes: claiming inherited descriptors", "count", count)

	s := &Set{
		CheckR:    os.NewFile(3, "check"),
		StatusW:   os.NewFile(4, "status"),
		ForkR:     os.NewFile(5, "fork"),
		statusRFD: -1,
	}
	if s.CheckR == nil || s.StatusW == nil || s.ForkR == nil {
		return nil, fmt.Errorf("inherited descriptors missing")
	}
	return s, nil
}

// Close closes every end this process holds. Safe on partially built
// sets.
func (s *Set) Close() {
	for _, f := range []*os.File{s.CheckR, s.SuicideW, s.StatusR, s.StatusW, s.ForkR, s.ForkW} {
		if f != nil {
			f.Close()
		}
	}
}
