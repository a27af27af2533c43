package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"
)

const (
	cdpReadyTimeout  = 15 * time.Second
	cdpProbeInterval = 250 * time.Millisecond
	stopGrace        = 5 * time.Second
)

// ErrProfileLocked means another Chromium process owns the profile directory.
var ErrProfileLocked = errors.New("browser profile is in use by another process")

// LaunchConfig holds local Chromium launch settings.
type LaunchConfig struct {
	CDPAddress string
	CDPPort    int
	// ProfileDir is the account's persistent user data directory.
	ProfileDir string
	Width      int
	Height     int
	Headless   bool
	Lang       string
	ExtraFlags []string
}

// VersionInfo is the /json/version document of a CDP endpoint.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Launcher runs one local Chromium per account profile.
type Launcher struct {
	cfg     LaunchConfig
	cmd     *exec.Cmd
	exited  chan struct{}
	running bool
}

func NewLauncher(cfg LaunchConfig) *Launcher {
	if cfg.CDPAddress == "" {
		cfg.CDPAddress = "127.0.0.1"
	}
	if cfg.Width <= 0 {
		cfg.Width = 2560
	}
	if cfg.Height <= 0 {
		cfg.Height = 1440
	}
	if cfg.Lang == "" {
		cfg.Lang = "zh-CN"
	}
	return &Launcher{cfg: cfg}
}

// CDPURL returns the HTTP endpoint the remote allocator connects to.
func (l *Launcher) CDPURL() string {
	return "http://" + net.JoinHostPort(l.cfg.CDPAddress, strconv.Itoa(l.cfg.CDPPort))
}

func browserPath() (string, error) {
	if p := os.Getenv("CHROMIUM_PATH"); p != "" {
		return p, nil
	}
	names := []string{"chromium", "chromium-browser", "google-chrome-stable", "google-chrome"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	if runtime.GOOS == "darwin" {
		for _, p := range []string{
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		} {
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}
	return "", fmt.Errorf("no chromium binary found (tried %v, set CHROMIUM_PATH)", names)
}

// profileLocked reports whether a live Chromium holds dir. Chromium leaves
// a SingletonLock symlink of the form "<host>-<pid>" while running.
func profileLocked(dir string) bool {
	target, err := os.Readlink(filepath.Join(dir, "SingletonLock"))
	if err != nil {
		return false
	}
	for i := len(target) - 1; i >= 0; i-- {
		if target[i] == '-' {
			pid, err := strconv.Atoi(target[i+1:])
			if err != nil || pid <= 0 {
				return false
			}
			proc, err := os.FindProcess(pid)
			if err != nil {
				return false
			}
			return proc.Signal(syscall.Signal(0)) == nil
		}
	}
	return false
}

// Args builds the Chromium command line.
func (l *Launcher) Args() []string {
	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(l.cfg.CDPPort),
		"--remote-debugging-address=" + l.cfg.CDPAddress,
		"--user-data-dir=" + l.cfg.ProfileDir,
		fmt.Sprintf("--window-size=%d,%d", l.cfg.Width, l.cfg.Height),
		"--lang=" + l.cfg.Lang,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-dev-shm-usage",
		"--disable-features=Translate",
		"--disable-blink-features=AutomationControlled",
	}
	if l.cfg.Headless {
		args = append(args, "--headless=new")
	}
	args = append(args, l.cfg.ExtraFlags...)
	return append(args, "about:blank")
}

// Launch starts Chromium for the profile. An endpoint that already answers
// on the CDP port is reused as is.
func (l *Launcher) Launch(ctx context.Context) error {
	if v, err := probeCDP(ctx, l.CDPURL()); err == nil {
		slog.Warn("cdp endpoint already up, attaching to running browser",
			"endpoint", l.CDPURL(), "browser", v.Browser, "profile_dir", l.cfg.ProfileDir)
		return nil
	}
	if profileLocked(l.cfg.ProfileDir) {
		return fmt.Errorf("%w: %s", ErrProfileLocked, l.cfg.ProfileDir)
	}

	path, err := browserPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	l.cmd = exec.Command(path, l.Args()...)
	l.cmd.Stdout = os.Stdout
	l.cmd.Stderr = os.Stderr
	if err := l.cmd.Start(); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	l.running = true
	l.exited = make(chan struct{})
	go func() {
		_ = l.cmd.Wait()
		close(l.exited)
	}()
	slog.Info("browser process started", "path", path, "pid", l.cmd.Process.Pid, "profile_dir", l.cfg.ProfileDir)

	v, err := l.waitForCDP(ctx)
	if err != nil {
		l.Stop()
		return fmt.Errorf("waiting for CDP: %w", err)
	}
	slog.Info("cdp endpoint ready", "endpoint", l.CDPURL(), "browser", v.Browser)
	return nil
}

func probeCDP(ctx context.Context, base string) (VersionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/json/version", nil)
	if err != nil {
		return VersionInfo{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return VersionInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return VersionInfo{}, fmt.Errorf("cdp version probe: status %d", resp.StatusCode)
	}
	var v VersionInfo
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return VersionInfo{}, fmt.Errorf("cdp version probe: %w", err)
	}
	return v, nil
}

// waitForCDP polls /json/version until it answers or the browser exits.
func (l *Launcher) waitForCDP(ctx context.Context) (VersionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, cdpReadyTimeout)
	defer cancel()
	ticker := time.NewTicker(cdpProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return VersionInfo{}, fmt.Errorf("cdp not ready at %s: %w", l.CDPURL(), ctx.Err())
		case <-l.exited:
			return VersionInfo{}, errors.New("browser exited during startup")
		case <-ticker.C:
			if v, err := probeCDP(ctx, l.CDPURL()); err == nil {
				return v, nil
			}
		}
	}
}

// Running reports whether this launcher spawned a browser process.
func (l *Launcher) Running() bool {
	return l.running
}

// Stop terminates the browser with SIGTERM, falling back to SIGKILL.
func (l *Launcher) Stop() {
	if !l.running || l.cmd == nil || l.cmd.Process == nil {
		return
	}
	l.running = false
	pid := l.cmd.Process.Pid
	_ = l.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-l.exited:
		slog.Info("browser stopped", "pid", pid)
	case <-time.After(stopGrace):
		slog.Warn("browser did not exit, sending SIGKILL", "pid", pid)
		_ = l.cmd.Process.Kill()
		<-l.exited
	}
}
