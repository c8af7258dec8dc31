// Package profile defines per-language and per-task sandbox settings.
package profile

import "ojworker/internal/judge/sandbox/spec"

// TaskType identifies the sandbox task category.
type TaskType string

const (
	TaskTypeCompile    TaskType = "compile"
	TaskTypeRun        TaskType = "run"
	TaskTypeChecker    TaskType = "checker"
	TaskTypeInteractor TaskType = "interactor"
	TaskTypeLint       TaskType = "lint"
)

// TaskProfile defines sandbox resources and security settings for a task type.
type TaskProfile struct {
	LanguageID     string       `yaml:"languageId"`
	TaskType       TaskType     `yaml:"taskType"`
	RootFS         string       `yaml:"rootFS"`
	SeccompProfile string       `yaml:"seccompProfile"`
	DefaultLimits  spec.ResourceLimit `yaml:"defaultLimits"`
}

// LanguageSpec describes how one language's submissions are compiled and run.
type LanguageSpec struct {
	// ID is the dispatcher-facing language tag, e.g. "cpp17", "python3".
	ID string `yaml:"id"`

	// CompileEnabled is false for interpreted languages that skip the
	// compile cache entirely (B. Compile cache is never consulted).
	CompileEnabled bool `yaml:"compileEnabled"`

	SourceFile string `yaml:"sourceFile"`
	BinaryFile string `yaml:"binaryFile"`

	// CompileCmd and RunCmd are argv templates. "{source}", "{binary}" and
	// "{flags}" are substituted by the runner before invoking the sandbox.
	CompileCmd []string `yaml:"compileCmd"`
	RunCmd     []string `yaml:"runCmd"`

	// AllowedExtraCompileFlags is the allow-list ExtraCompileFlags supplied
	// by a submission are filtered against before reaching the compiler.
	AllowedExtraCompileFlags []string `yaml:"allowedExtraCompileFlags"`

	// MaxBinarySizeMB bounds an individual compiled binary directory; see
	// the compile cache's per-language size classification (4.B).
	MaxBinarySizeMB int64 `yaml:"maxBinarySizeMB"`
}
