package imagine

import "pkt.systems/imagine/core"

// sessionFanout collapses sinks into one, dropping nils and duplicates.
func sessionFanout(sinks ...core.SessionSink) core.SessionSink {
	out := make(core.MultiSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink == nil || containsSink(out, sink) {
			continue
		}
		out = append(out, sink)
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return out
	}
}

func containsSink(list core.MultiSink, sink core.SessionSink) bool {
	for _, existing := range list {
		if existing == sink {
			return true
		}
	}
	return false
}
