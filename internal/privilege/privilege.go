// Package privilege obtains administrator authorization and installs the
// privileged helper with it.
//
// The flow mirrors the OS authorization model: create an authorization
// reference, copy the right needed to bless a helper into it, use it for the
// install, then free it. Platform backends implement Authority and
// HelperBlesser; Broker and Installer hold the policy.
package privilege

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
)

// RightBlessPrivilegedHelper is the right required to install a helper tool.
const RightBlessPrivilegedHelper = "com.apple.ServiceManagement.blesshelper"

// Flags modify how rights are obtained.
type Flags uint32

const (
	FlagInteractionAllowed Flags = 1 << 0
	FlagExtendRights       Flags = 1 << 1
	FlagPreAuthorize       Flags = 1 << 4
)

// Has reports whether all bits of f2 are set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// Status is an authorization result code.
type Status int32

const (
	StatusSuccess               Status = 0
	StatusInvalidSet            Status = -60001
	StatusDenied                Status = -60005
	StatusCanceled              Status = -60006
	StatusInteractionNotAllowed Status = -60007
	StatusInternal              Status = -60008
)

// Authorization errors.
var (
	ErrAuthorizationDenied   = errors.New("authorization denied")
	ErrAuthorizationInternal = errors.New("authorization failed")
	ErrInstallFailed         = errors.New("helper install failed")
)

// AuthorizationError reports a non-success status from the authority. It
// matches ErrAuthorizationDenied for denied or canceled prompts and
// ErrAuthorizationInternal otherwise.
type AuthorizationError struct {
	Op     string
	Status Status
}

func (e *AuthorizationError) Error() string {
	if e.denied() {
		return fmt.Sprintf("Authorization was denied or canceled. (code %d)", e.Status)
	}
	return fmt.Sprintf("%s failed: %d", e.Op, e.Status)
}

func (e *AuthorizationError) denied() bool {
	return e.Status == StatusDenied || e.Status == StatusCanceled
}

// Is implements errors.Is matching against the sentinel errors.
func (e *AuthorizationError) Is(target error) bool {
	switch target {
	case ErrAuthorizationDenied:
		return e.denied()
	case ErrAuthorizationInternal:
		return !e.denied()
	}
	return false
}

// Credential is a platform authorization reference.
type Credential interface {
	// Release frees the reference and any rights acquired through it.
	Release() error
}

// Authority is the platform authorization backend.
type Authority interface {
	// Create allocates an empty authorization reference.
	Create(ctx context.Context) (Credential, Status)
	// CopyRights acquires right into cred.
	CopyRights(ctx context.Context, cred Credential, right string, flags Flags) Status
}

// Handle is an authorization that has been granted a right. Release must be
// called on every path once the handle is no longer needed; it is safe to
// call more than once.
type Handle struct {
	cred  Credential
	right string
	flags Flags

	once     sync.Once
	mu       sync.Mutex
	released bool
	err      error
}

// Right returns the right the handle was granted.
func (h *Handle) Right() string { return h.right }

// Flags returns the flags used to obtain the handle.
func (h *Handle) Flags() Flags { return h.flags }

// Released reports whether Release has been called.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Release frees the underlying credential.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		h.err = h.cred.Release()
		h.mu.Lock()
		h.released = true
		h.mu.Unlock()
	})
	return h.err
}

// Broker hands out authorization handles for installing the helper.
type Broker struct {
	authority Authority
	logger    *log.Logger
}

// NewBroker creates a broker backed by authority.
func NewBroker(authority Authority, logger *log.Logger) *Broker {
	if logger == nil {
		logger = log.Default()
	}
	return &Broker{authority: authority, logger: logger}
}

// CreateAuthorization requests the bless right. The user is prompted only
// when interactive is true. It never retries: a denied prompt is final for
// this request.
func (b *Broker) CreateAuthorization(ctx context.Context, interactive bool) (*Handle, error) {
	cred, status := b.authority.Create(ctx)
	if status != StatusSuccess || cred == nil {
		if status == StatusSuccess {
			status = StatusInternal
		}
		if cred != nil {
			_ = cred.Release()
		}
		err := &AuthorizationError{Op: "AuthorizationCreate", Status: status}
		b.logger.Error("authorization create failed", "status", int32(status))
		return nil, err
	}

	flags := FlagExtendRights | FlagPreAuthorize
	if interactive {
		flags |= FlagInteractionAllowed
	}

	status = b.authority.CopyRights(ctx, cred, RightBlessPrivilegedHelper, flags)
	if status != StatusSuccess {
		if err := cred.Release(); err != nil {
			b.logger.Warn("release partial authorization", "error", err)
		}
		err := &AuthorizationError{Op: "AuthorizationCopyRights", Status: status}
		if errors.Is(err, ErrAuthorizationDenied) {
			b.logger.Warn("authorization denied", "status", int32(status))
		} else {
			b.logger.Error("authorization copy rights failed", "status", int32(status))
		}
		return nil, err
	}

	b.logger.Debug("authorization granted", "right", RightBlessPrivilegedHelper, "interactive", interactive)
	return &Handle{cred: cred, right: RightBlessPrivilegedHelper, flags: flags}, nil
}
