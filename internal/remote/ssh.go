package remote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/haasonsaas/anvil/internal/devices"
)

const (
	sshConnectTimeout = 10 // seconds, passed to -o ConnectTimeout

	// minTmpFreeKB is the free-space floor for /tmp on the remote.
	minTmpFreeKB = 50 * 1024
)

// SSHFailure classifies why a passwordless connection could not be made.
type SSHFailure string

const (
	FailureNoAuth           SSHFailure = "no_auth"
	FailurePermissionDenied SSHFailure = "permission_denied"
	FailureRefused          SSHFailure = "connection_refused"
	FailureUnreachable      SSHFailure = "unreachable"
	FailureUnknown          SSHFailure = "unknown"
)

// GuidanceError is a structured SSH validation failure: the class of
// problem plus a human-actionable hint.
type GuidanceError struct {
	Device   string
	Failure  SSHFailure
	Guidance string
	Detail   string
}

func (e *GuidanceError) Error() string {
	return fmt.Sprintf("ssh to %s failed (%s): %s", e.Device, e.Failure, e.Guidance)
}

// sshArgs builds the argv for one remote command. remoteCmd is empty for
// a bare connectivity probe.
func sshArgs(d devices.Device, remoteCmd string) []string {
	args := []string{
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=" + strconv.Itoa(sshConnectTimeout),
		"-p", strconv.Itoa(d.Port),
		d.Addr(),
	}
	if remoteCmd != "" {
		args = append(args, remoteCmd)
	}
	return args
}

// ValidateSSH confirms passwordless access to the device: some
// authentication source must be present locally, and a batch-mode
// `ssh host exit` must succeed. Failures come back as *GuidanceError.
func (e *Executor) ValidateSSH(ctx context.Context, d devices.Device) error {
	if !hasAuthSource() {
		return &GuidanceError{
			Device:   d.Addr(),
			Failure:  FailureNoAuth,
			Guidance: "no ssh-agent running and no key found in ~/.ssh; start an agent (eval $(ssh-agent); ssh-add) or create a key with ssh-keygen",
		}
	}

	res, err := e.runner.Run(ctx, "ssh", sshArgs(d, "exit")...)
	if err != nil {
		return &GuidanceError{
			Device:   d.Addr(),
			Failure:  FailureUnknown,
			Guidance: "could not run ssh; is the openssh client installed?",
			Detail:   err.Error(),
		}
	}
	if res.ExitCode == 0 {
		return nil
	}
	return classifySSHFailure(d, res.Stderr)
}

// hasAuthSource reports whether an ssh-agent socket or a private key
// under ~/.ssh exists.
func hasAuthSource() bool {
	if os.Getenv("SSH_AUTH_SOCK") != "" {
		return true
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return false
	}
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		if _, err := os.Stat(filepath.Join(home, ".ssh", name)); err == nil {
			return true
		}
	}
	return false
}

func classifySSHFailure(d devices.Device, stderr string) *GuidanceError {
	low := strings.ToLower(stderr)
	ge := &GuidanceError{Device: d.Addr(), Detail: strings.TrimSpace(stderr)}
	switch {
	case strings.Contains(low, "permission denied"):
		ge.Failure = FailurePermissionDenied
		ge.Guidance = fmt.Sprintf("key not accepted by %s; install your public key with ssh-copy-id %s", d.Host, d.Addr())
	case strings.Contains(low, "connection refused"):
		ge.Failure = FailureRefused
		ge.Guidance = fmt.Sprintf("nothing is listening on %s:%d; check that sshd is running and the port is right", d.Host, d.Port)
	case strings.Contains(low, "could not resolve"),
		strings.Contains(low, "timed out"),
		strings.Contains(low, "no route to host"),
		strings.Contains(low, "network is unreachable"):
		ge.Failure = FailureUnreachable
		ge.Guidance = fmt.Sprintf("%s is not reachable; check the hostname, DNS, and network path", d.Host)
	default:
		ge.Failure = FailureUnknown
		ge.Guidance = "ssh failed for an unrecognized reason; see detail"
	}
	return ge
}

// CheckReport is the result of a remote environment probe.
type CheckReport struct {
	Reachable     bool   `json:"reachable"`
	Interpreter   bool   `json:"interpreter"`
	Downloader    string `json:"downloader,omitempty"`
	TmpFreeKB     int64  `json:"tmp_free_kb"`
	EnoughTmpFree bool   `json:"enough_tmp_free"`
}

// Ok reports whether the device can host a remote run.
func (r *CheckReport) Ok() bool {
	return r.Reachable && r.Interpreter && r.Downloader != "" && r.EnoughTmpFree
}

// CheckRemote probes the device: reachability, a POSIX shell, curl or
// wget, and at least 50 MB free in /tmp.
func (e *Executor) CheckRemote(ctx context.Context, d devices.Device) (*CheckReport, error) {
	report := &CheckReport{}

	if err := e.ValidateSSH(ctx, d); err != nil {
		return report, err
	}
	report.Reachable = true

	if res, err := e.runner.Run(ctx, "ssh", sshArgs(d, "command -v sh")...); err == nil && res.ExitCode == 0 {
		report.Interpreter = true
	}

	if res, err := e.runner.Run(ctx, "ssh", sshArgs(d, "command -v curl || command -v wget")...); err == nil && res.ExitCode == 0 {
		tool := strings.TrimSpace(res.Stdout)
		if i := strings.LastIndexByte(tool, '/'); i >= 0 {
			tool = tool[i+1:]
		}
		report.Downloader = tool
	}

	if res, err := e.runner.Run(ctx, "ssh", sshArgs(d, "df -k /tmp | tail -1")...); err == nil && res.ExitCode == 0 {
		report.TmpFreeKB = parseDfAvailable(res.Stdout)
		report.EnoughTmpFree = report.TmpFreeKB >= minTmpFreeKB
	}

	return report, nil
}

// parseDfAvailable pulls the "available" column from a df -k data line.
func parseDfAvailable(line string) int64 {
	fields := strings.Fields(strings.TrimSpace(line))
	// Filesystem 1K-blocks Used Available Use% Mounted
	if len(fields) < 4 {
		return 0
	}
	n, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
