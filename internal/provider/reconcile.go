package provider

import "time"

// Decision is the outcome of comparing a local snapshot against its
// remote entry. The reconciliation engine performs I/O based on the
// decision; this classification itself never touches the network.
type Decision int

const (
	// DecisionSkip means both sides are already converged. No I/O.
	DecisionSkip Decision = iota

	// DecisionUpload means the local version wins: no remote entry
	// exists, the remote timestamp is unknown, or local is strictly
	// newer. Upload is a create-or-replace PUT.
	DecisionUpload

	// DecisionDownload means the remote version should be fetched and
	// applied locally. Only reached when the local timestamp is missing,
	// which signals corrupt local state worth self-healing from remote.
	DecisionDownload

	// DecisionConflict means the remote entry is strictly newer than the
	// local snapshot. The engine fetches the remote payload and surfaces
	// a conflict instead of overwriting either side.
	DecisionConflict
)

func (d Decision) String() string {
	switch d {
	case DecisionSkip:
		return "skip"
	case DecisionUpload:
		return "upload"
	case DecisionDownload:
		return "download"
	case DecisionConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Classify decides what to do for one local snapshot given its remote
// entry, or nil when no remote counterpart exists. The rule is identical
// for every backend:
//
//  1. No remote entry: upload.
//  2. Missing local timestamp: download, self-healing local state.
//  3. Unknown remote timestamp: upload, local wins.
//  4. Remote strictly newer: conflict.
//  5. Equal timestamps: converged, skip.
//  6. Local strictly newer: upload.
func Classify(localModified time.Time, remote *RemoteEntry) Decision {
	if remote == nil {
		return DecisionUpload
	}

	if localModified.IsZero() {
		return DecisionDownload
	}

	if remote.ModifiedAt.IsZero() {
		return DecisionUpload
	}

	if remote.ModifiedAt.After(localModified) {
		return DecisionConflict
	}

	if remote.ModifiedAt.Equal(localModified) {
		return DecisionSkip
	}

	return DecisionUpload
}
