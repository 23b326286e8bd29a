package locationlog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidAnchor is returned for anchors this log did not issue.
var ErrInvalidAnchor = errors.New("invalid anchor")

const anchorPrefix = "v1."

// Anchor is an opaque cursor into the location log. The empty anchor means
// the start of the log. Anchors only ever move forward.
type Anchor string

// StartAnchor is returned when retrieval from the start of an empty log finds
// nothing: it still points at the start.
var StartAnchor = anchorFor(0)

func anchorFor(seq int64) Anchor {
	return Anchor(anchorPrefix + strconv.FormatInt(seq, 36))
}

// ParseAnchor validates an anchor received from a caller.
func ParseAnchor(s string) (Anchor, error) {
	a := Anchor(s)
	if _, err := a.sequence(); err != nil {
		return "", err
	}
	return a, nil
}

// String returns the serialized anchor.
func (a Anchor) String() string {
	return string(a)
}

// IsStart reports whether the anchor points before the first sample.
func (a Anchor) IsStart() bool {
	seq, err := a.sequence()
	return err == nil && seq == 0
}

// After reports whether a points past b. Invalid anchors compare as the
// start of the log.
func (a Anchor) After(b Anchor) bool {
	x, _ := a.sequence()
	y, _ := b.sequence()
	return x > y
}

func (a Anchor) sequence() (int64, error) {
	if a == "" {
		return 0, nil
	}
	s := string(a)
	if !strings.HasPrefix(s, anchorPrefix) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAnchor, s)
	}
	seq, err := strconv.ParseInt(strings.TrimPrefix(s, anchorPrefix), 36, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAnchor, s)
	}
	return seq, nil
}
