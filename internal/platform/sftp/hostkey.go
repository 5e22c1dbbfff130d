package sftp

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyPolicy decides how server host keys are verified when a payer has
// no pinned fingerprint.
type HostKeyPolicy int

const (
	// HostKeyStrict verifies keys against a known_hosts file.
	HostKeyStrict HostKeyPolicy = iota
	// HostKeyInsecure accepts any key and logs a warning for every connection.
	HostKeyInsecure
)

func (p HostKeyPolicy) String() string {
	switch p {
	case HostKeyStrict:
		return "strict"
	case HostKeyInsecure:
		return "insecure"
	default:
		return fmt.Sprintf("HostKeyPolicy(%d)", int(p))
	}
}

// ParseHostKeyPolicy converts a configuration value. Empty selects strict.
func ParseHostKeyPolicy(s string) (HostKeyPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return HostKeyStrict, nil
	case "insecure":
		return HostKeyInsecure, nil
	default:
		return HostKeyStrict, fmt.Errorf("sftp: unknown host key policy %q (want strict or insecure)", s)
	}
}

// HostKeyVerifier builds ssh.HostKeyCallbacks for outbound sessions.
type HostKeyVerifier struct {
	Policy         HostKeyPolicy
	KnownHostsFile string
	Logger         zerolog.Logger
}

// Callback returns the callback for one connection. A non-empty fingerprint
// ("SHA256:..." as printed by ssh-keygen -l) pins the server key and takes
// precedence over the policy.
func (v HostKeyVerifier) Callback(fingerprint string) (ssh.HostKeyCallback, error) {
	if fingerprint = strings.TrimSpace(fingerprint); fingerprint != "" {
		return PinnedFingerprint(fingerprint), nil
	}

	switch v.Policy {
	case HostKeyInsecure:
		logger := v.Logger
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			logger.Warn().
				Str("host", hostname).
				Str("fingerprint", ssh.FingerprintSHA256(key)).
				Msg("sftp host key not verified: insecure host key policy")
			return nil
		}, nil
	case HostKeyStrict:
		file := v.KnownHostsFile
		if file == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("sftp: locate known_hosts: %w", err)
			}
			file = filepath.Join(home, ".ssh", "known_hosts")
		}
		cb, err := knownhosts.New(file)
		if err != nil {
			return nil, fmt.Errorf("sftp: load known_hosts %s: %w", file, err)
		}
		return cb, nil
	default:
		return nil, fmt.Errorf("sftp: unsupported host key policy %s", v.Policy)
	}
}

// PinnedFingerprint accepts only a server key whose SHA256 fingerprint
// matches. The "SHA256:" prefix is optional.
func PinnedFingerprint(fingerprint string) ssh.HostKeyCallback {
	want := strings.TrimPrefix(fingerprint, "SHA256:")
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		got := strings.TrimPrefix(ssh.FingerprintSHA256(key), "SHA256:")
		if got != want {
			return fmt.Errorf("sftp: host key mismatch for %s: got SHA256:%s", hostname, got)
		}
		return nil
	}
}
