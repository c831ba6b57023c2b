//go:build e2e

package e2e

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	broker   = "broker.example"
	receiver = "recv.proxy2." + broker
	senderID = "send.proxy1." + broker
	tunnelID = "tunnel.proxy1." + broker
)

var (
	buildOnce   sync.Once
	builtBinary string
	buildErr    error
)

// beamfileBinary builds the beamfile binary once and returns its path.
func beamfileBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		// Find the repo root (parent of e2e/).
		dir, _ := os.Getwd()
		root := filepath.Dir(dir)
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
			// Try current dir if we're running from root.
			root = dir
		}
		builtBinary = filepath.Join(root, "bin", "beamfile")
		cmd := exec.Command("go", "build", "-o", builtBinary, "./cmd/beamfile")
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("build: %w\n%s", err, out)
		}
	})
	if buildErr != nil {
		t.Fatalf("build beamfile: %v", buildErr)
	}
	return builtBinary
}

// beamfileProcess represents a running beamfile process with log capture.
type beamfileProcess struct {
	cmd    *exec.Cmd
	logs   *logBuffer
	stdout *bytes.Buffer
	done   chan struct{}
	err    error
}

// logBuffer is a thread-safe buffer that captures log output and supports
// waiting for specific log messages.
type logBuffer struct {
	mu      sync.Mutex
	lines   []string
	partial string // incomplete line from previous Write
	waiters []logWaiter
}

type logWaiter struct {
	substr string
	ch     chan string
}

func (lb *logBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	data := lb.partial + string(p)
	lb.partial = ""

	for {
		i := strings.IndexByte(data, '\n')
		if i == -1 {
			lb.partial = data
			break
		}
		line := data[:i]
		data = data[i+1:]
		lb.lines = append(lb.lines, line)
		// Check if any waiters match.
		remaining := lb.waiters[:0]
		for _, w := range lb.waiters {
			if strings.Contains(line, w.substr) {
				select {
				case w.ch <- line:
				default:
				}
			} else {
				remaining = append(remaining, w)
			}
		}
		lb.waiters = remaining
	}
	return len(p), nil
}

// String returns all captured log lines joined with newlines.
func (lb *logBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return strings.Join(lb.lines, "\n")
}

// waitFor blocks until a log line containing substr appears, or times out.
func (lb *logBuffer) waitFor(substr string, timeout time.Duration) (string, bool) {
	ch := make(chan string, 1)

	lb.mu.Lock()
	// Check existing lines first.
	for _, line := range lb.lines {
		if strings.Contains(line, substr) {
			lb.mu.Unlock()
			return line, true
		}
	}
	lb.waiters = append(lb.waiters, logWaiter{substr: substr, ch: ch})
	lb.mu.Unlock()

	select {
	case line := <-ch:
		return line, true
	case <-time.After(timeout):
		lb.mu.Lock()
		for i, w := range lb.waiters {
			if w.ch == ch {
				lb.waiters = append(lb.waiters[:i], lb.waiters[i+1:]...)
				break
			}
		}
		lb.mu.Unlock()
		return "", false
	}
}

// beamEnv returns the process environment for a beamfile running as appID
// against proxy. BEAM* variables inherited from the test environment are
// dropped.
func beamEnv(proxy *beamProxy, appID string) []string {
	var env []string
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, "BEAM") && !strings.HasPrefix(e, "API_KEY=") && !strings.HasPrefix(e, "BIND_ADDR=") {
			env = append(env, e)
		}
	}
	if proxy == nil {
		return env
	}
	return append(env,
		"BEAM_URL="+proxy.URL(),
		"BEAM_ID="+appID,
		"BEAM_SECRET=e2e-secret",
	)
}

// startBeamfile starts a beamfile process as appID and returns a handle. The
// process is killed on test cleanup.
func startBeamfile(t *testing.T, proxy *beamProxy, appID string, stdin io.Reader, args ...string) *beamfileProcess {
	t.Helper()
	cmd := exec.Command(beamfileBinary(t), args...)
	cmd.Env = beamEnv(proxy, appID)
	cmd.Stdin = stdin

	proc := &beamfileProcess{
		cmd:    cmd,
		logs:   &logBuffer{},
		stdout: &bytes.Buffer{},
		done:   make(chan struct{}),
	}
	cmd.Stderr = proc.logs // beamfile logs to stderr
	cmd.Stdout = proc.stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start beamfile %v: %v", args, err)
	}
	go func() {
		proc.err = cmd.Wait()
		close(proc.done)
	}()

	t.Cleanup(func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		<-proc.done
	})
	return proc
}

// runBeamfile runs a beamfile process to completion.
func runBeamfile(t *testing.T, proxy *beamProxy, appID string, stdin io.Reader, args ...string) *beamfileProcess {
	t.Helper()
	proc := startBeamfile(t, proxy, appID, stdin, args...)
	waitExit(t, proc, 30*time.Second)
	return proc
}

// waitExit waits for the process to exit and returns its exit code.
func waitExit(t *testing.T, proc *beamfileProcess, timeout time.Duration) int {
	t.Helper()
	select {
	case <-proc.done:
	case <-time.After(timeout):
		t.Fatalf("beamfile %v did not exit within %s\nlogs:\n%s", proc.cmd.Args[1:], timeout, proc.logs)
	}
	var exitErr *exec.ExitError
	if errors.As(proc.err, &exitErr) {
		return exitErr.ExitCode()
	}
	if proc.err != nil {
		t.Fatalf("wait: %v", proc.err)
	}
	return 0
}

// waitForLog waits for a log line containing the given substring.
func waitForLog(t *testing.T, proc *beamfileProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line, ok := proc.logs.waitFor(substr, timeout)
	if !ok {
		t.Fatalf("timed out waiting for log: %q\nlogs:\n%s", substr, proc.logs)
	}
	return line
}

// addrRe extracts addr=host:port from log lines.
var addrRe = regexp.MustCompile(`addr=([^\s]+)`)

// waitForLogAddr waits for a log line and extracts the addr= value.
func waitForLogAddr(t *testing.T, proc *beamfileProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line := waitForLog(t, proc, substr, timeout)
	m := addrRe.FindStringSubmatch(line)
	if m == nil {
		t.Fatalf("no addr= in log line: %s", line)
	}
	return m[1]
}

// scrapeMetrics fetches the Prometheus metrics text from the given address.
func scrapeMetrics(t *testing.T, addr string) string {
	t.Helper()
	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics from %s: %v", addr, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

// assertMetricGE checks that the sum of all samples for a metric name is >= want.
func assertMetricGE(t *testing.T, metricsText, metricName string, want float64) {
	t.Helper()
	total := sumMetric(metricsText, metricName)
	if total < want {
		t.Errorf("%s = %v, want >= %v", metricName, total, want)
	}
}

// sumMetric sums all sample values for lines matching the metric name (not comments/histograms).
func sumMetric(text, name string) float64 {
	var total float64
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, name+"{") || strings.HasPrefix(line, name+" ") {
			parts := strings.Fields(line)
			if len(parts) >= 2 {
				var v float64
				fmt.Sscanf(parts[len(parts)-1], "%f", &v)
				total += v
			}
		}
	}
	return total
}
