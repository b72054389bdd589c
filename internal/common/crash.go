// -----------------------------------------------------------------------
// Crash reports - last-resort panic capture for the main goroutine
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// CrashDir is where crash reports are written. InstallCrashHandler sets it from the log file location.
var CrashDir = "./logs"

// InstallCrashHandler prepares the crash report directory. Pair it with a deferred RecoverWithCrashFile in main.
func InstallCrashHandler(dir string) {
	if dir != "" {
		CrashDir = dir
	}
	if err := os.MkdirAll(CrashDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: cannot create %s: %v\n", CrashDir, err)
	}
}

// CrashReport renders the panic value, the panicking stack and every goroutine's stack
func CrashReport(panicVal interface{}, stack string, at time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "dispatch crash report\n")
	fmt.Fprintf(&b, "time:       %s\n", at.Format(time.RFC3339))
	fmt.Fprintf(&b, "version:    %s\n", GetFullVersion())
	fmt.Fprintf(&b, "goroutines: %d (safe-go spawned %d)\n", runtime.NumGoroutine(), GetGoroutineCount())
	fmt.Fprintf(&b, "platform:   %s/%s\n\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "panic: %v\n\n", panicVal)
	fmt.Fprintf(&b, "--- stack ---\n%s\n", stack)
	fmt.Fprintf(&b, "--- all goroutines ---\n%s\n", allGoroutineStacks())

	return b.String()
}

// WriteCrashFile writes a crash report into CrashDir and returns its path, or "" when only stderr could be used
func WriteCrashFile(panicVal interface{}, stack string) string {
	now := time.Now()
	report := CrashReport(panicVal, stack, now)
	path := filepath.Join(CrashDir, fmt.Sprintf("crash-%s.log", now.Format("2006-01-02T15-04-05")))

	if err := os.WriteFile(path, []byte(report), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: cannot write crash file: %v\n%s", err, report)
		return ""
	}

	fmt.Fprintf(os.Stderr, "\nFATAL: panic %v - report saved to %s\n", panicVal, path)
	return path
}

func allGoroutineStacks() string {
	buf := make([]byte, 64*1024)
	for len(buf) <= 16*1024*1024 {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return string(buf[:n])
		}
		buf = make([]byte, len(buf)*2)
	}
	return string(buf[:runtime.Stack(buf, true)])
}

// RecoverWithCrashFile recovers a panic, writes a crash report and exits.
// Usage: defer common.RecoverWithCrashFile()
func RecoverWithCrashFile() {
	if r := recover(); r != nil {
		buf := make([]byte, 8192)
		n := runtime.Stack(buf, false)
		WriteCrashFile(r, string(buf[:n]))
		os.Exit(1)
	}
}
