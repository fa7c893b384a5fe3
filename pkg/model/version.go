package model

import (
	"strconv"
	"time"
)

// SnapshotVersion is a server logical timestamp in microseconds since the epoch.
type SnapshotVersion int64

// MinVersion is lower than any version assigned by the server.
const MinVersion SnapshotVersion = 0

// VersionFromTime converts a wall clock time to a version.
func VersionFromTime(t time.Time) SnapshotVersion {
	return SnapshotVersion(t.UnixMicro())
}

func (v SnapshotVersion) IsMin() bool { return v == MinVersion }

func (v SnapshotVersion) Compare(other SnapshotVersion) int {
	switch {
	case v < other:
		return -1
	case v > other:
		return 1
	}
	return 0
}

func (v SnapshotVersion) Time() time.Time {
	return time.UnixMicro(int64(v)).UTC()
}

func (v SnapshotVersion) String() string {
	return "v" + strconv.FormatInt(int64(v), 10)
}
