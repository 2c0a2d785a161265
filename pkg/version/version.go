// Package version exposes build information and the API version gate.
package version

import (
	"runtime"
	"strconv"
	"strings"
)

// Set via ldflags during build.
var (
	Version  = "0.17.0"
	Channel  = "stable"
	CommitId = "unknown"
)

// ApiVersion is the newest API version this daemon serves.
const ApiVersion = "v0.17"

// Arch returns the build architecture.
func Arch() string { return runtime.GOARCH }

// Accepts reports whether a requested route version can be served.
// Versions numerically greater than the daemon's are rejected.
func Accepts(requested string) bool {
	reqMaj, reqMin, ok := parse(requested)
	if !ok {
		return false
	}
	curMaj, curMin, _ := parse(ApiVersion)
	if reqMaj != curMaj {
		return reqMaj < curMaj
	}
	return reqMin <= curMin
}

func parse(v string) (major, minor int, ok bool) {
	v = strings.TrimPrefix(v, "v")
	parts := strings.SplitN(v, ".", 2)
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	if len(parts) == 2 {
		minor, err = strconv.Atoi(parts[1])
		if err != nil {
			return 0, 0, false
		}
	}
	return major, minor, true
}
