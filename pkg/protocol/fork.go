package protocol

import (
	"fmt"
	"strconv"
	"strings"

	puerr "github.com/toregeschliman/puma/pkg/errors"
)

// Fork-pipe commands are ASCII-decimal integers separated by newlines,
// written by the master and read by the active mold. Positive values
// are worker indices to spawn; the rest are sentinels.
const (
	ForkCmdBeginRefork   = -1 // refork cycle begins, run the pre-refork hooks
	ForkCmdReforkDone    = -2 // refork cycle complete, run the post-refork hooks
	ForkCmdLegacyRestart = 0  // legacy restart request; refused under mold flow
)

// ForkCommand encodes one fork-pipe command.
func ForkCommand(idx int) []byte {
	return []byte(fmt.Sprintf("%d\n", idx))
}

// ParseForkCommand decodes one fork-pipe line.
func ParseForkCommand(line string) (int, error) {
	idx, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, puerr.New(puerr.ErrCodeProtocolParse, "protocol.fork", "bad fork command", err)
	}
	return idx, nil
}
