package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrDuplicate indicates a uniqueness violation on the entity key.
	ErrDuplicate = errors.New("repository: duplicate key")
	// ErrActiveDeployment indicates the single-flight gate rejected a new
	// deployment because a non-terminal one already holds the scope.
	ErrActiveDeployment = errors.New("repository: deployment already active")
	// ErrTerminalState indicates a status update targeted a deployment that
	// already reached a terminal state.
	ErrTerminalState = errors.New("repository: deployment in terminal state")
	// ErrNotCancellable indicates a cancel targeted a deployment that is no
	// longer queued.
	ErrNotCancellable = errors.New("repository: deployment not cancellable")
)
