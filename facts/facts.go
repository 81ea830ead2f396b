// Package facts probes remote systems for identity facts used to
// cross-check configuration, currently the platform family derived from
// /etc/os-release.
package facts

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/updall/updall/common"
	"github.com/updall/updall/connector"
)

const osReleasePath = "/etc/os-release"

// OSRelease is the subset of os-release fields we care about.
type OSRelease struct {
	ID     string
	IDLike []string
	Name   string
}

// ParseOSRelease reads os-release key=value lines. Unknown keys and
// malformed lines are ignored.
func ParseOSRelease(r io.Reader) (*OSRelease, error) {
	rel := &OSRelease{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"'`)
		switch key {
		case "ID":
			rel.ID = strings.ToLower(value)
		case "ID_LIKE":
			rel.IDLike = strings.Fields(strings.ToLower(value))
		case "NAME":
			rel.Name = value
		}
	}
	return rel, errors.Wrap(sc.Err(), "scan os-release")
}

// PlatformOf maps an os-release identity to a platform family.
func PlatformOf(rel *OSRelease) common.Platform {
	ids := append([]string{rel.ID}, rel.IDLike...)
	for _, id := range ids {
		switch id {
		case "arch", "archarm", "manjaro", "endeavouros":
			return common.PlatformArch
		case "debian", "ubuntu", "raspbian", "linuxmint", "pop":
			return common.PlatformDebian
		}
	}
	return common.PlatformUnknown
}

// Probe fetches and parses /etc/os-release over conn, returning the
// platform family the system actually runs.
func Probe(ctx context.Context, conn connector.Connection) (common.Platform, error) {
	rc, err := conn.Fetch(ctx, osReleasePath)
	if err != nil {
		return common.PlatformUnknown, errors.Wrapf(err, "fetch %s", osReleasePath)
	}
	defer rc.Close()
	rel, err := ParseOSRelease(rc)
	if err != nil {
		return common.PlatformUnknown, err
	}
	return PlatformOf(rel), nil
}
