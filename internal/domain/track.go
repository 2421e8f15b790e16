package domain

// TrackState is the liveness of a media track.
type TrackState int32

const (
	TrackLive TrackState = iota
	TrackEnded
)

func (s TrackState) String() string {
	if s == TrackEnded {
		return "ended"
	}
	return "live"
}
