package rabbitmq

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// ProtocolLibraryVersion is the amqp091-go release declared in go.mod.
const ProtocolLibraryVersion = "1.10.0"

// Capabilities are protocol-library features the factory builder may rely on.
// They are resolved once from a declared version, never probed at runtime.
type Capabilities struct {
	Version              string
	HostnameVerification bool
	ConnectionName       bool
}

var capabilityConstraints = []struct {
	constraint string
	apply      func(*Capabilities)
}{
	{">= 1.0.0", func(c *Capabilities) { c.HostnameVerification = true }},
	{">= 1.0.0", func(c *Capabilities) { c.ConnectionName = true }},
}

// ResolveCapabilities evaluates the capability table against version.
func ResolveCapabilities(version string) (Capabilities, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return Capabilities{}, fmt.Errorf("%w: protocol library version %q: %v", ErrInvalidConfiguration, version, err)
	}

	caps := Capabilities{Version: v.String()}
	for _, entry := range capabilityConstraints {
		c, err := semver.NewConstraint(entry.constraint)
		if err != nil {
			return Capabilities{}, err
		}
		if c.Check(v) {
			entry.apply(&caps)
		}
	}
	return caps, nil
}

// DefaultCapabilities are the capabilities of ProtocolLibraryVersion.
var DefaultCapabilities = func() Capabilities {
	caps, err := ResolveCapabilities(ProtocolLibraryVersion)
	if err != nil {
		panic(err)
	}
	return caps
}()
