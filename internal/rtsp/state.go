package rtsp

// State is the position of the client in the RTSP exchange.
type State int

const (
	Init State = iota
	Options
	Describe
	SetupVideo
	SetupAudio
	Play
	Playing
	Teardown
	Pause
	Record
	End
	Error
	// Stopped is reached once End has nothing left to reconnect to.
	Stopped
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Options:
		return "options"
	case Describe:
		return "describe"
	case SetupVideo:
		return "setupVideo"
	case SetupAudio:
		return "setupAudio"
	case Play:
		return "play"
	case Playing:
		return "playing"
	case Teardown:
		return "teardown"
	case Pause:
		return "pause"
	case Record:
		return "record"
	case End:
		return "end"
	case Error:
		return "error"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsActive reports whether a session is set up or being torn down, the
// states in which a new URL has to wait for TEARDOWN.
func (s State) IsActive() bool {
	return s == Play || s == Playing || s == Teardown
}
