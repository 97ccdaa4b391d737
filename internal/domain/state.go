package domain

import "errors"

// TorrentState is the single state field the Registry persists for a
// torrent and the engine drives at runtime.
type TorrentState string

const (
	StateMetadataPending TorrentState = "metadata_pending" // magnet added, info dict not yet resolved
	StateWarmCaching     TorrentState = "warm_caching"      // info resolved, filling the warm-cache window
	StateIdle            TorrentState = "idle"              // warm cache satisfied, no active reader
	StateStreaming       TorrentState = "streaming"          // a stream reader is attached
	StateErrored         TorrentState = "errored"            // metadata timeout, source file timeout, or torrent error
	StateRemoving        TorrentState = "removing"           // remove in progress, record about to be deleted
)

var ErrInvalidTransition = errors.New("invalid state transition")

var validTransitions = map[TorrentState][]TorrentState{
	StateMetadataPending: {StateWarmCaching, StateErrored, StateRemoving},
	StateWarmCaching:     {StateIdle, StateStreaming, StateErrored, StateRemoving},
	StateIdle:            {StateStreaming, StateErrored, StateRemoving},
	StateStreaming:       {StateIdle, StateErrored, StateRemoving},
	StateErrored:         {StateRemoving},
	StateRemoving:        {},
}

// CanTransition reports whether moving a torrent from one state to
// another is a legal transition.
func CanTransition(from, to TorrentState) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
