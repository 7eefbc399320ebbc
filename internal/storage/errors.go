package storage

import "errors"

// ErrRunnerExists is returned when creating a runner for a (user, stock)
// pair that already has a non-removed runner.
var ErrRunnerExists = errors.New("runner already exists for user and stock")

// ErrNoSimState is returned when a user has no simulation state row yet.
var ErrNoSimState = errors.New("no simulation state")

// ErrNoAccount is returned when a user has no mock account yet.
var ErrNoAccount = errors.New("no account")
