// Package security describes the isolation profile applied to one sandboxed process.
package security

// IsolationProfile controls the rootfs, identity and network exposure of a
// sandboxed process. Profiles are named and resolved through a
// engine.ProfileResolver so callers never construct raw namespace flags.
type IsolationProfile struct {
	Name           string            `yaml:"name"`
	RootFS         string            `yaml:"rootFS"`
	User           string            `yaml:"user"`
	Hostname       string            `yaml:"hostname"`
	SeccompProfile string            `yaml:"seccompProfile"`
	DisableNetwork bool              `yaml:"disableNetwork"`
	Environments   map[string]string `yaml:"environments"`
}
