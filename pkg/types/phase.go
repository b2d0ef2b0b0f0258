package types

type Phase string

const (
	PhaseRouteLookup Phase = "route"
	PhaseGeoLookup   Phase = "geolocation"
	PhaseLatency     Phase = "latency"
	PhaseDownload    Phase = "download"
	PhaseUpload      Phase = "upload"
)

// PhaseOrder is the fixed execution order of a measurement sequence.
var PhaseOrder = []Phase{
	PhaseRouteLookup,
	PhaseGeoLookup,
	PhaseLatency,
	PhaseDownload,
	PhaseUpload,
}

// Direction maps a throughput phase to its stream direction.
func (p Phase) Direction() (Direction, bool) {
	switch p {
	case PhaseDownload:
		return DirectionDownload, true
	case PhaseUpload:
		return DirectionUpload, true
	}
	return "", false
}
