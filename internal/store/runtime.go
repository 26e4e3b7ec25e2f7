package store

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// WriteBitrateFile rewrites the two-line bitrate file the encoder reads on
// hangup: minimum bits/s on the first line, maximum on the second, per
// spec.md §4.6's setBitrate.
func WriteBitrateFile(fs afero.Fs, path string, minBps, maxBps int) error {
	content := fmt.Sprintf("%d\n%d\n", minBps, maxBps)
	if err := afero.WriteFile(fs, path, []byte(content), 0o600); err != nil {
		return errors.Wrap(err, "write bitrate file")
	}
	return nil
}

// WriteUplinksFile rewrites the newline-separated IPv4 list the bonder
// reads on hangup. It returns an error if ips is empty, matching spec.md
// §4.6's "must contain >=1 line or start fails" invariant.
func WriteUplinksFile(fs afero.Fs, path string, ips []string) error {
	if len(ips) == 0 {
		return errors.New("no enabled uplinks")
	}
	content := strings.Join(ips, "\n") + "\n"
	if err := afero.WriteFile(fs, path, []byte(content), 0o600); err != nil {
		return errors.Wrap(err, "write uplinks file")
	}
	return nil
}
