package host

import (
	"errors"
	"fmt"

	"github.com/samber/oops"
)

// Sentinel errors. Constructors below wrap them with a stable code and
// context so callers can use errors.Is and CodeOf interchangeably.
var (
	ErrPluginNotFound = errors.New("plugin not found")
	ErrEntryNotFound  = errors.New("entry not found")
	ErrPluginStart    = errors.New("plugin failed to start")
	ErrPluginTimeout  = errors.New("plugin timed out")
	ErrPluginCrashed  = errors.New("plugin crashed")
	ErrProtocol       = errors.New("plugin protocol violation")
)

// Stable error codes carried by failed runs.
const (
	CodeNotFound      = "not_found"
	CodeEntryNotFound = "entry_not_found"
	CodeStartFailed   = "start_failed"
	CodeTimeout       = "timeout"
	CodeCrashed       = "crashed"
	CodeProtocol      = "protocol_error"
	CodeInternal      = "internal"
)

func NotFoundError(pluginID string) error {
	return oops.Code(CodeNotFound).
		With("plugin_id", pluginID).
		Wrapf(ErrPluginNotFound, "plugin %q", pluginID)
}

func EntryNotFoundError(pluginID, entryID string) error {
	return oops.Code(CodeEntryNotFound).
		With("plugin_id", pluginID).
		With("entry_id", entryID).
		Wrapf(ErrEntryNotFound, "plugin %q has no entry %q", pluginID, entryID)
}

func StartError(pluginID string, cause error) error {
	return oops.Code(CodeStartFailed).
		With("plugin_id", pluginID).
		Wrapf(fmt.Errorf("%w: %v", ErrPluginStart, cause), "plugin %q", pluginID)
}

func TimeoutError(pluginID, entryID, correlationID string, after fmt.Stringer) error {
	return oops.Code(CodeTimeout).
		With("plugin_id", pluginID).
		With("entry_id", entryID).
		With("correlation_id", correlationID).
		Wrapf(ErrPluginTimeout, "plugin %q entry %q: no response after %s", pluginID, entryID, after)
}

func CrashedError(pluginID string, cause error) error {
	err := ErrPluginCrashed
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrPluginCrashed, cause)
	}
	return oops.Code(CodeCrashed).
		With("plugin_id", pluginID).
		Wrapf(err, "plugin %q", pluginID)
}

// ProtocolError reports a reply that could not be decoded. The plugin stays
// connected.
func ProtocolError(pluginID, entryID, correlationID string, cause error) error {
	return oops.Code(CodeProtocol).
		With("plugin_id", pluginID).
		With("entry_id", entryID).
		With("correlation_id", correlationID).
		Wrapf(fmt.Errorf("%w: %v", ErrProtocol, cause), "plugin %q entry %q", pluginID, entryID)
}

// CodeOf maps an error to its stable code. Unrecognised errors are internal.
func CodeOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPluginNotFound):
		return CodeNotFound
	case errors.Is(err, ErrEntryNotFound):
		return CodeEntryNotFound
	case errors.Is(err, ErrPluginStart):
		return CodeStartFailed
	case errors.Is(err, ErrPluginTimeout):
		return CodeTimeout
	case errors.Is(err, ErrPluginCrashed):
		return CodeCrashed
	case errors.Is(err, ErrProtocol):
		return CodeProtocol
	}
	if oopsErr, ok := oops.AsOops(err); ok {
		if code, ok := oopsErr.Code().(string); ok && code != "" {
			return code
		}
	}
	return CodeInternal
}
