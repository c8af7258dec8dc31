package engine

import (
	"ojworker/internal/judge/sandbox/security"
	"ojworker/internal/judge/sandbox/spec"
)

type initRequest struct {
	RunSpec       spec.RunSpec
	Isolation     security.IsolationProfile
	EnableSeccomp bool
	EnableNs      bool
}
