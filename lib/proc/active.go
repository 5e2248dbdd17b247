package proc

import "sync"

var activeProcess = processList{}
var _activeProcessMu sync.Mutex

type processList map[*Process]struct{}

func (pl *processList) Add(p *Process) {
	_activeProcessMu.Lock()
	defer _activeProcessMu.Unlock()
	activeProcess[p] = struct{}{}
}

func (pl *processList) Remove(p *Process) {
	_activeProcessMu.Lock()
	defer _activeProcessMu.Unlock()
	delete(activeProcess, p)
}

// KillActive kills helpers that are still running, returning how many
// were signalled.
func KillActive() (n int) {
	_activeProcessMu.Lock()
	defer _activeProcessMu.Unlock()
	for proc := range activeProcess {
		if proc.Process != nil && proc.Process.Kill() == nil {
			n++
		}
		delete(activeProcess, proc)
	}
	return
}

func ActiveCount() int {
	_activeProcessMu.Lock()
	defer _activeProcessMu.Unlock()
	return len(activeProcess)
}
