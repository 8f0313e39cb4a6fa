package streamer

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidURI is returned for streamer URIs outside the supported grammar.
var ErrInvalidURI = errors.New("invalid streamer uri")

const fileScheme = "file://"

// Target is a parsed streamer destination.
type Target struct {
	Path   string
	Append bool
}

func (t Target) String() string {
	mode := "w"
	if t.Append {
		mode = "a"
	}
	return fileScheme + t.Path + ":" + mode
}

// ParseURI parses "file://<path>:<w|a>". The mode is taken from the last colon, so
// paths may contain colons themselves.
func ParseURI(uri string) (Target, error) {
	if !strings.HasPrefix(uri, fileScheme) {
		return Target{}, fmt.Errorf("%w: %q: only %s is supported", ErrInvalidURI, uri, fileScheme)
	}
	rest := strings.TrimPrefix(uri, fileScheme)

	i := strings.LastIndex(rest, ":")
	if i <= 0 || i == len(rest)-1 {
		return Target{}, fmt.Errorf("%w: %q: expected %s<path>:<w|a>", ErrInvalidURI, uri, fileScheme)
	}

	path, mode := rest[:i], rest[i+1:]
	switch mode {
	case "w":
		return Target{Path: path}, nil
	case "a":
		return Target{Path: path, Append: true}, nil
	}
	return Target{}, fmt.Errorf("%w: %q: mode must be w or a, got %q", ErrInvalidURI, uri, mode)
}
