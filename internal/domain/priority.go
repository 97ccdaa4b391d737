package domain

// Priority classifies how urgently the engine should fetch a piece range.
type Priority int

const (
	PriorityNone       Priority = iota // not needed right now, no peers requested on its behalf
	PriorityLow                        // background file, not the selected video, not ahead of any reader
	PriorityNormal                     // steady-state rest-of-file download
	PriorityReadahead                  // inside a reader's readahead window but not imminent
	PriorityNext                       // the window immediately after the high-priority band
	PriorityHigh                       // warm-cache leading bytes or a reader's current position
)
