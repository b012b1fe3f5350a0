package toggle

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Dicklesworthstone/lastdance/internal/helper"
	"github.com/Dicklesworthstone/lastdance/internal/privilege"
	"github.com/Dicklesworthstone/lastdance/internal/testutil"
)

const (
	testLabel = "com.example.LastDanceHelper"
	testPlist = "/System/Library/LaunchDaemons/com.apple.smbd.plist"
)

type grantingAuthority struct {
	copies atomic.Int64
}

type nopCredential struct{}

func (nopCredential) Release() error { return nil }

func (a *grantingAuthority) Create(context.Context) (privilege.Credential, privilege.Status) {
	return nopCredential{}, privilege.StatusSuccess
}

func (a *grantingAuthority) CopyRights(context.Context, privilege.Credential, string, privilege.Flags) privilege.Status {
	a.copies.Add(1)
	return privilege.StatusSuccess
}

type installingBlesser struct {
	installed *atomic.Bool
}

func (b installingBlesser) Bless(_ context.Context, h *privilege.Handle, label string) error {
	b.installed.Store(true)
	return nil
}

func startHelper(t *testing.T, runner helper.CommandRunner) string {
	t.Helper()

	controller, err := helper.NewServiceController("/bin/launchctl", testPlist, helper.WithRunner(runner))
	if err != nil {
		t.Fatalf("NewServiceController: %v", err)
	}
	socketPath := filepath.Join(t.TempDir(), "helper.sock")
	srv, err := helper.NewIPCServer(socketPath, controller, testutil.TestLogger(t))
	if err != nil {
		t.Fatalf("NewIPCServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("helper did not stop")
		}
	})
	return socketPath
}

func TestScenario_FreshMachineEnable(t *testing.T) {
	var installed atomic.Bool
	auth := &grantingAuthority{}
	installer := privilege.NewInstaller(
		privilege.NewBroker(auth, testutil.TestLogger(t)),
		installingBlesser{installed: &installed},
		testLabel,
		"/Library/PrivilegedHelperTools/"+testLabel,
		privilege.WithExistsFunc(func(string) bool { return installed.Load() }),
		privilege.WithInstallerLogger(testutil.TestLogger(t)))

	launchctl := testutil.NewMockExecutor(nil, nil)
	client := helper.NewClient(startHelper(t, launchctl), helper.WithLogger(testutil.TestLogger(t)))
	defer client.Close()

	alerts := &recordingAlerter{}
	c := New(installer, client, WithAlerter(alerts), WithLogger(testutil.TestLogger(t)))

	c.RequestToggle(context.Background(), true, Options{Interactive: true})
	c.Wait()

	if auth.copies.Load() != 1 {
		t.Fatalf("authorization requested %d times, want 1", auth.copies.Load())
	}
	if !launchctl.WasCalledWith("/bin/launchctl", "load", "-w", testPlist) {
		t.Fatalf("launchctl calls = %+v", launchctl.RecordedCalls)
	}
	if c.State() != Enabled {
		t.Fatalf("state = %v, want enabled", c.State())
	}
	if len(alerts.snapshot()) != 0 {
		t.Fatalf("unexpected alerts: %v", alerts.snapshot())
	}
}

func TestScenario_HelperNotRunning(t *testing.T) {
	for _, interactive := range []bool{true, false} {
		name := "non-interactive"
		if interactive {
			name = "interactive"
		}
		t.Run(name, func(t *testing.T) {
			auth := &grantingAuthority{}
			installer := privilege.NewInstaller(
				privilege.NewBroker(auth, testutil.TestLogger(t)),
				installingBlesser{installed: new(atomic.Bool)},
				testLabel,
				"/Library/PrivilegedHelperTools/"+testLabel,
				privilege.WithExistsFunc(func(string) bool { return true }),
				privilege.WithInstallerLogger(testutil.TestLogger(t)))

			client := helper.NewClient(filepath.Join(t.TempDir(), "absent.sock"),
				helper.WithLogger(testutil.TestLogger(t)))
			defer client.Close()

			alerts := &recordingAlerter{}
			c := New(installer, client,
				WithInitialState(Enabled), WithAlerter(alerts), WithLogger(testutil.TestLogger(t)))

			c.RequestToggle(context.Background(), false, Options{Interactive: interactive, MustComplete: !interactive})
			c.Wait()

			if c.State() != Enabled {
				t.Fatalf("state changed to %v", c.State())
			}
			if auth.copies.Load() != 0 {
				t.Fatal("installed helper must not prompt")
			}
			got := alerts.snapshot()
			if !interactive {
				if len(got) != 0 {
					t.Fatalf("non-interactive request alerted: %v", got)
				}
				return
			}
			if len(got) != 1 || !strings.Contains(got[0], helper.ErrConnection.Error()) {
				t.Fatalf("alerts = %v", got)
			}
		})
	}
}
