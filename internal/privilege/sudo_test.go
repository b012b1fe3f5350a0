package privilege

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Dicklesworthstone/lastdance/internal/testutil"
)

func exitError(t *testing.T) error {
	t.Helper()
	err := exec.Command("/bin/sh", "-c", "exit 1").Run()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected exit error, got %v", err)
	}
	return err
}

func TestClassifySudoFailure(t *testing.T) {
	exitErr := exitError(t)
	tests := []struct {
		name string
		out  string
		err  error
		want Status
	}{
		{"needs password", "sudo: a password is required\n", exitErr, StatusInteractionNotAllowed},
		{"needs terminal", "sudo: a terminal is required to read the password", exitErr, StatusInteractionNotAllowed},
		{"askpass canceled", "sudo: no password was provided\n", exitErr, StatusCanceled},
		{"wrong password", "Sorry, try again.\nsudo: 3 incorrect password attempts", exitErr, StatusDenied},
		{"not admin", "alice is not in the sudoers file.  This incident will be reported.", exitErr, StatusDenied},
		{"unknown", "sudo: unexpected", exitErr, StatusInternal},
		{"not an exit", "", errors.New("exec: not found"), StatusInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifySudoFailure([]byte(tt.out), tt.err); got != tt.want {
				t.Errorf("classifySudoFailure = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSudoAuthority_TerminalPrompt(t *testing.T) {
	mock := testutil.NewMockExecutor(nil, nil)
	s := NewSudoAuthority(
		WithSudoRunner(mock),
		WithTerminalCheck(func() bool { return true }),
		WithTempDir(t.TempDir()),
		WithSudoLogger(testutil.TestLogger(t)))

	b := NewBroker(s, testutil.TestLogger(t))
	h, err := b.CreateAuthorization(context.Background(), true)
	if err != nil {
		t.Fatalf("CreateAuthorization: %v", err)
	}
	if mock.CallCount() != 1 {
		t.Fatalf("calls = %d", mock.CallCount())
	}
	call := mock.LastCall()
	if call.Name != defaultSudo || call.Args[0] != "-v" || call.Args[1] != "-p" {
		t.Fatalf("validate call = %+v", call)
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !mock.WasCalledWith(defaultSudo, "-k") {
		t.Fatalf("expected sudo -k on release: %+v", mock.RecordedCalls)
	}
}

func TestSudoAuthority_AskpassWithoutTerminal(t *testing.T) {
	tmp := t.TempDir()
	var askpass string
	mock := testutil.NewMockExecutorFunc(func(_ context.Context, name string, args []string) ([]byte, error) {
		if name == defaultEnv {
			askpass = strings.TrimPrefix(args[0], "SUDO_ASKPASS=")
		}
		return nil, nil
	})
	s := NewSudoAuthority(
		WithSudoRunner(mock),
		WithTerminalCheck(func() bool { return false }),
		WithTempDir(tmp),
		WithSudoLogger(testutil.TestLogger(t)))

	h, err := NewBroker(s, testutil.TestLogger(t)).CreateAuthorization(context.Background(), true)
	if err != nil {
		t.Fatalf("CreateAuthorization: %v", err)
	}
	first := mock.RecordedCalls[0]
	if first.Name != defaultEnv || first.Args[1] != defaultSudo || first.Args[2] != "-A" {
		t.Fatalf("validate call = %+v", first)
	}
	info, err := os.Stat(askpass)
	if err != nil {
		t.Fatalf("askpass not written: %v", err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		t.Fatalf("askpass not executable: %v", info.Mode())
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(askpass)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("askpass dir should be removed, stat err=%v", err)
	}
}

func TestSudoAuthority_NonInteractiveNeverPrompts(t *testing.T) {
	exitErr := exitError(t)
	mock := testutil.NewMockExecutor([]byte("sudo: a password is required\n"), exitErr)
	s := NewSudoAuthority(
		WithSudoRunner(mock),
		WithTerminalCheck(func() bool { return true }),
		WithSudoLogger(testutil.TestLogger(t)))

	h, err := NewBroker(s, testutil.TestLogger(t)).CreateAuthorization(context.Background(), false)
	if h != nil || err == nil {
		t.Fatalf("expected failure, got %v, %v", h, err)
	}
	if !errors.Is(err, ErrAuthorizationInternal) {
		t.Fatalf("error = %v", err)
	}
	if !mock.WasCalledWith(defaultSudo, "-n", "-v") {
		t.Fatalf("expected non-interactive validate: %+v", mock.RecordedCalls)
	}
	// Nothing was validated so nothing needs invalidating.
	if mock.WasCalledWith(defaultSudo, "-k") {
		t.Fatal("sudo -k should not run for a failed validation")
	}
}

func TestSudoAuthority_CanceledPromptCleansUp(t *testing.T) {
	tmp := t.TempDir()
	exitErr := exitError(t)
	mock := testutil.NewMockExecutor([]byte("sudo: no password was provided\n"), exitErr)
	s := NewSudoAuthority(
		WithSudoRunner(mock),
		WithTerminalCheck(func() bool { return false }),
		WithTempDir(tmp),
		WithSudoLogger(testutil.TestLogger(t)))

	_, err := NewBroker(s, testutil.TestLogger(t)).CreateAuthorization(context.Background(), true)
	if !errors.Is(err, ErrAuthorizationDenied) {
		t.Fatalf("error = %v", err)
	}
	entries, err := os.ReadDir(tmp)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected askpass cleanup, found %d entries", len(entries))
	}
}

func TestSudoAuthority_RejectsForeignCredential(t *testing.T) {
	s := NewSudoAuthority(WithSudoRunner(testutil.NewMockExecutor(nil, nil)))
	if got := s.CopyRights(context.Background(), &fakeCredential{}, RightBlessPrivilegedHelper, 0); got != StatusInvalidSet {
		t.Fatalf("status = %d", got)
	}
}

func TestSudoBlesser_Bless(t *testing.T) {
	mock := testutil.NewMockExecutor(nil, nil)
	b := NewSudoBlesser("/Applications/LastDance", mock, testutil.TestLogger(t), "--config", "/tmp/c.toml")
	h := &Handle{cred: &fakeCredential{}, right: RightBlessPrivilegedHelper}

	if err := b.Bless(context.Background(), h, "com.example.helper"); err != nil {
		t.Fatalf("Bless: %v", err)
	}
	want := []string{"-n", "/Applications/LastDance", "helper", "install", "--label", "com.example.helper", "--config", "/tmp/c.toml"}
	if !mock.WasCalledWith(defaultSudo, want...) {
		t.Fatalf("calls = %+v", mock.RecordedCalls)
	}
}

func TestSudoBlesser_Errors(t *testing.T) {
	t.Run("released handle", func(t *testing.T) {
		mock := testutil.NewMockExecutor(nil, nil)
		b := NewSudoBlesser("/bin/ld", mock, testutil.TestLogger(t))
		h := &Handle{cred: &fakeCredential{}, right: RightBlessPrivilegedHelper}
		_ = h.Release()
		if err := b.Bless(context.Background(), h, "x"); err == nil {
			t.Fatal("expected error for released handle")
		}
		if mock.CallCount() != 0 {
			t.Fatal("no command should run")
		}
	})

	t.Run("command output becomes description", func(t *testing.T) {
		mock := testutil.NewMockExecutor([]byte("load helper job: exit status 5\n"), errors.New("exit status 1"))
		b := NewSudoBlesser("/bin/ld", mock, testutil.TestLogger(t))
		h := &Handle{cred: &fakeCredential{}, right: RightBlessPrivilegedHelper}
		err := b.Bless(context.Background(), h, "x")
		if err == nil || err.Error() != "load helper job: exit status 5" {
			t.Fatalf("err = %v", err)
		}
	})
}
