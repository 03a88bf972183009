package pidlock

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"
)

var lockNameReplacer = strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")

// LockName - one lock per local working directory, two storage runs in the same directory would delete each other's files
func LockName(localDir string) string {
	if absDir, err := filepath.Abs(localDir); err == nil {
		localDir = absDir
	}
	return strings.Trim(lockNameReplacer.Replace(localDir), "_")
}

func pidPath(lockDir, lockName string) string {
	if lockDir == "" {
		lockDir = os.TempDir()
	}
	return path.Join(lockDir, fmt.Sprintf("cloud-smoke.%s.pid", lockName))
}

// CheckAndCreatePidFile fails when the pid file points to a live process, stale and malformed files are overwritten
func CheckAndCreatePidFile(lockDir, lockName, command string) error {
	if lockName == "" {
		return fmt.Errorf("lockName is required")
	}
	pidFile := pidPath(lockDir, lockName)
	existingPidData, err := os.ReadFile(pidFile)
	if err == nil {
		parts := strings.SplitN(strings.TrimSpace(string(existingPidData)), "|", 3)
		if len(parts) < 3 {
			log.Warn().Msgf("Invalid PID file format in %s - will be overwritten", pidFile)
		} else if pid, err := strconv.Atoi(parts[0]); err == nil {
			if proc, err := os.FindProcess(pid); err == nil {
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					if procInfo, infoErr := process.NewProcess(int32(pid)); infoErr == nil {
						if cmdLine, cmdLineErr := procInfo.Cmdline(); cmdLineErr == nil {
							return fmt.Errorf(
								"another cloud-smoke `%s` command is already running since %s (pid=%d, pidPath=%s, cmdLine=%s)",
								parts[1], parts[2], pid, pidFile, cmdLine,
							)
						} else {
							log.Warn().Err(cmdLineErr).Str("pidPath", pidFile).Int("pid", pid).Msg("can't get cmdLine")
						}
					} else {
						log.Warn().Err(infoErr).Str("pidPath", pidFile).Int("pid", pid).Msg("can't get process info")
					}
				}
			}
		}
	}

	pid := fmt.Sprintf("%d|%s|%s", os.Getpid(), command, time.Now().Format(time.RFC3339))
	return os.WriteFile(pidFile, []byte(pid), 0644)
}

func RemovePidFile(lockDir, lockName string) {
	_ = os.Remove(pidPath(lockDir, lockName))
}
