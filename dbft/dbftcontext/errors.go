package dbftcontext

import "errors"

var (
	ErrNotPrimary               = errors.New("local validator is not the primary")
	ErrNotBackup                = errors.New("local validator is not a backup")
	ErrWatchOnly                = errors.New("local node is not a validator")
	ErrNoPrepareRequest         = errors.New("no prepare request for current view")
	ErrInsufficientPreparations = errors.New("fewer than M matching preparations")
	ErrInsufficientCommits      = errors.New("fewer than M commits in current view")
	ErrMissingTransactions      = errors.New("transactions missing from context")
)
