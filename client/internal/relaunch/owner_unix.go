//go:build !windows

package relaunch

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"
)

func isProcessOwnedByCurrentUser(p *process.Process) bool {
	currentUserID := os.Getuid()
	uids, err := p.Uids()
	if err != nil {
		log.Debugf("get process uids: %v", err)
		return false
	}
	for _, id := range uids {
		if int(id) == currentUserID {
			return true
		}
	}
	return false
}
