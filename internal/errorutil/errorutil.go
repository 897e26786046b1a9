package errorutil

import "errors"

// ErrDataIntegrity is a base error type to use for failures that are due to
// unrecoverable data integrity issues.
var ErrDataIntegrity = errors.New("data integrity error")

// ErrSessionAborted is returned once a recording session stopped accepting
// events because its bookkeeping could no longer be trusted.
var ErrSessionAborted = errors.New("recording session aborted")
