package keysync

// Resolution names the side that won a conflict.
type Resolution string

const (
	ResolutionLocal  Resolution = "local"
	ResolutionRemote Resolution = "remote"
)

// ConflictPolicy picks a winner between two versions of the same key.
type ConflictPolicy func(local, remote KeyRecord) Resolution

// LastWriteWins keeps the record with the newer timestamp. Equal
// timestamps go to the remote side so every device converges on the
// directory's copy.
func LastWriteWins(local, remote KeyRecord) Resolution {
	if local.Timestamp > remote.Timestamp {
		return ResolutionLocal
	}

	return ResolutionRemote
}

// PreferLocalOnTie is LastWriteWins with ties kept locally.
func PreferLocalOnTie(local, remote KeyRecord) Resolution {
	if local.Timestamp >= remote.Timestamp {
		return ResolutionLocal
	}

	return ResolutionRemote
}
