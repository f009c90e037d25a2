package dohproxy

import (
	"net"

	"github.com/sirupsen/logrus"
)

// Log is a package-global logger used throughout the library. Configuration can be
// changed directly on this instance or the instance replaced.
var Log = logrus.New()

func logger(id uint16, addr *net.UDPAddr) *logrus.Entry {
	return Log.WithFields(logrus.Fields{
		"id":     txIDString(id),
		"client": addr.IP,
	})
}
