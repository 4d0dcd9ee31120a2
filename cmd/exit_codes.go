package cmd

import (
	"errors"
	"strings"

	"github.com/andreasjansson/plwr/internal/protocol"
)

// Version is stamped at build time with -ldflags "-X".
var Version = "dev"

// exitCoder is satisfied by errors that carry their own exit status.
type exitCoder interface {
	ExitCode() int
}

// exitCode maps a failed invocation to its exit status. Cobra's own usage errors
// are bad requests; anything untyped is an engine fault.
func exitCode(err error) int {
	if err == nil {
		return protocol.ExitOK
	}
	var ec exitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	msg := err.Error()
	for _, usage := range []string{"unknown command", "unknown flag", "unknown shorthand flag", "accepts ", "requires at least", "invalid argument"} {
		if strings.HasPrefix(msg, usage) {
			return protocol.ExitBadRequest
		}
	}
	return protocol.ExitEngine
}
