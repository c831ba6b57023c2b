// Package naming expands the filename templates used when storing received
// files.
package naming

import (
	"strconv"
	"strings"
	"time"
)

// DefaultTemplate names a file after its origin and arrival time.
const DefaultTemplate = "%f_%t"

// Placeholders recognised by Resolve.
const (
	From = "%f" // first two segments of the sender id, e.g. "app1.proxy2"
	Time = "%t" // arrival time in unix seconds
	Name = "%n" // suggested name, empty if the sender gave none
)

// Resolve expands template for a file that arrived from the given sender id at
// time at. Substitution is literal and happens in the order %f, %t, %n, so
// text introduced by a later placeholder is never expanded again.
func Resolve(template, from string, at time.Time, suggested string) string {
	out := strings.ReplaceAll(template, From, shortFrom(from))
	out = strings.ReplaceAll(out, Time, strconv.FormatInt(at.Unix(), 10))
	return strings.ReplaceAll(out, Name, suggested)
}

// shortFrom returns the app and proxy segments of a dotted sender id.
func shortFrom(from string) string {
	parts := strings.SplitN(from, ".", 3)
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return strings.Join(parts, ".")
}
