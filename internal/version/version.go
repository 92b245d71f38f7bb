// Copyright AI Scope Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package version exposes the build version stamped by the linker.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// stamp is set at link time to the output of `git describe --tags --long`,
// e.g. "1.2.0-4-gdeadbee". Plain `go build` leaves it empty.
var stamp string

// String renders the build version: the bare tag for a release build,
// "sha (tag, +n)" for a build ahead of the tag, and "dev" when no stamp is
// present.
func String() string {
	tag, ahead, sha, ok := describe(stamp)
	switch {
	case !ok:
		return "dev"
	case ahead == 0:
		return tag
	default:
		return fmt.Sprintf("%s (%s, +%d)", sha, tag, ahead)
	}
}

// describe splits a `git describe --long` string into tag, commits ahead of
// the tag, and short sha. Tags may contain dashes themselves, so the string
// is taken apart from the right.
func describe(v string) (tag string, ahead int, sha string, ok bool) {
	shaAt := strings.LastIndex(v, "-g")
	if shaAt <= 0 || shaAt+2 >= len(v) {
		return "", 0, "", false
	}
	sha = v[shaAt+2:]
	rest := v[:shaAt]
	aheadAt := strings.LastIndex(rest, "-")
	if aheadAt <= 0 {
		return "", 0, "", false
	}
	n, err := strconv.Atoi(rest[aheadAt+1:])
	if err != nil {
		return "", 0, "", false
	}
	return rest[:aheadAt], n, sha, true
}
