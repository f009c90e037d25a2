package dohproxy

import (
	"expvar"
	"fmt"
)

// ListenerMetrics holds the counters exported for a listener, client or the
// proxy core.
type ListenerMetrics struct {
	query    *expvar.Int
	response *expvar.Map
	err      *expvar.Map
	drop     *expvar.Int
}

func NewListenerMetrics(base string, id string) *ListenerMetrics {
	return &ListenerMetrics{
		query:    getVarInt(base, id, "query"),
		response: getVarMap(base, id, "response"),
		err:      getVarMap(base, id, "error"),
		drop:     getVarInt(base, id, "drop"),
	}
}

// Get an *expvar.Int with the given path.
func getVarInt(base string, id string, name string) *expvar.Int {
	fullname := fmt.Sprintf("dohproxy.%s.%s.%s", base, id, name)
	if v := expvar.Get(fullname); v != nil {
		return v.(*expvar.Int)
	}
	return expvar.NewInt(fullname)
}

// Get an *expvar.Map with the given path.
func getVarMap(base string, id string, name string) *expvar.Map {
	fullname := fmt.Sprintf("dohproxy.%s.%s.%s", base, id, name)
	if v := expvar.Get(fullname); v != nil {
		return v.(*expvar.Map)
	}
	return expvar.NewMap(fullname)
}
