package schema

import "errors"

var (
	// ErrAgentNotFound indicates an unknown agent id.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrTabNotFound indicates an unknown tab id.
	ErrTabNotFound = errors.New("tab not found")
	// ErrNotGitRepository indicates the source path is not a git repository.
	ErrNotGitRepository = errors.New("source path is not a git repository")
	// ErrTargetBranchUnknown indicates no merge target could be determined.
	ErrTargetBranchUnknown = errors.New("cannot determine merge target branch")
	// ErrInvalidRequest indicates missing or malformed caller input.
	ErrInvalidRequest = errors.New("invalid request")
)
