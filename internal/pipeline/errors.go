package pipeline

import "errors"

var (
	ErrScriptNotFound   = errors.New("script not found")
	ErrNoImages         = errors.New("script has no images")
	ErrNoValidSegments  = errors.New("no valid video segments were built")
	ErrConcatenation    = errors.New("video concatenation failed")
	ErrRenderInProgress = errors.New("video render already in progress for this script")
)
