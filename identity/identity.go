// Package identity implements C9 (hostname/device/fingerprint helpers)
// plus the peer secret key sourcing rule from spec.md §6: an optional
// environment-sourced Ed25519 secret, falling back to a freshly generated
// one each run.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"runtime"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/rs/zerolog/log"
)

// SecretEnvVar is the environment variable an operator can set to pin this
// process's peer identity across runs. It keeps the upstream tool's
// variable name, with the same "hex(32 bytes) or regenerate" contract.
const SecretEnvVar = "IROH_SECRET"

// LoadOrGenerate sources an Ed25519 keypair from SecretEnvVar if present
// and well-formed, otherwise generates a fresh one. When showSecret is
// true the hex-encoded secret is logged to stderr so the operator can
// persist it for next time.
func LoadOrGenerate(showSecret bool) (crypto.PrivKey, error) {
	if hexSecret := os.Getenv(SecretEnvVar); hexSecret != "" {
		raw, err := hex.DecodeString(hexSecret)
		if err != nil || len(raw) != ed25519.SeedSize {
			log.Warn().Str("var", SecretEnvVar).Msg("identity: malformed secret, generating a fresh identity")
		} else {
			full := ed25519.NewKeyFromSeed(raw) // seed || derived public key
			priv, err := crypto.UnmarshalEd25519PrivateKey(full)
			if err == nil {
				return priv, nil
			}
			log.Warn().Err(err).Msg("identity: could not parse secret, generating a fresh identity")
		}
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	if showSecret {
		raw, err := priv.Raw()
		if err == nil && len(raw) >= 32 {
			fmt.Fprintf(os.Stderr, "%s=%s\n", SecretEnvVar, hex.EncodeToString(raw[:32]))
		}
	}
	return priv, nil
}

// Hostname returns the machine's advertised name, falling back to
// "unknown-device" rather than failing the whole discovery subsystem.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown-device"
	}
	return h
}

// DeviceModel returns a human label for the running platform. There is no
// portable way to read a marketing model name from Go's standard library,
// so this falls back to the OS family, matching spec.md §4.9.
func DeviceModel() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

// LocalIP returns the first non-loopback IPv4 address with a route, or the
// empty string if none is found. Purely advisory, per spec.md §4.9.
func LocalIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			if v4 := ip.To4(); v4 != nil {
				return v4.String()
			}
		}
	}
	return ""
}

// NewFingerprint generates a fresh per-process UUID used to identify this
// device in LAN announcements (spec.md §4.8). Re-running the process
// yields a new fingerprint; spec.md §9 preserves this as intentional.
func NewFingerprint() uuid.UUID {
	return uuid.New()
}
