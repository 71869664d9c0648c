package envelope

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

const versionLogPrefix = "envelope:version"

// ProtocolVersion is the version of the packet format spoken by this module.
const ProtocolVersion = "1.1.0"

// compatibleRange accepts any peer on the same major version.
const compatibleRange = "^1.0.0"

// ErrIncompatibleProtocol is returned when a peer speaks another major version.
var ErrIncompatibleProtocol = errors.New("incompatible protocol version")

var compatible = mustConstraint(compatibleRange)

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(fmt.Sprintf("%s - bad constraint %q: %v", versionLogPrefix, s, err))
	}
	return c
}

// CheckCompatible validates the protocol version announced by a peer.
// An empty version is read as 1.0.0 (peers that predate the handshake).
func CheckCompatible(peer string) error {
	if peer == "" {
		peer = "1.0.0"
	}
	v, err := semver.NewVersion(peer)
	if err != nil {
		return fmt.Errorf("%s - invalid peer version %q: %w", versionLogPrefix, peer, ErrIncompatibleProtocol)
	}
	if !compatible.Check(v) {
		return fmt.Errorf("%s - peer version %s does not satisfy %s: %w", versionLogPrefix, v, compatibleRange, ErrIncompatibleProtocol)
	}
	return nil
}
