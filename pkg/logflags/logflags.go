// Package logflags configures per-subsystem logging for the debug
// server. Each subsystem gets a logrus entry tagged with its layer;
// output is suppressed unless the subsystem was enabled through Setup.
package logflags

import (
	"errors"
	"io/ioutil"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var server = false
var protocol = false
var lineinfo = false

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.WarnLevel
	}
	return logger
}

// Server returns true if the debug server should log its request
// handling.
func Server() bool {
	return server
}

// ServerLogger returns a logger for the debug server.
func ServerLogger() *logrus.Entry {
	return makeLogger(server, logrus.Fields{"layer": "server"})
}

// Protocol returns true if wire traffic should be logged.
func Protocol() bool {
	return protocol
}

// ProtocolLogger returns a logger for messages exchanged with the
// debug client.
func ProtocolLogger() *logrus.Entry {
	return makeLogger(protocol, logrus.Fields{"layer": "protocol"})
}

// Lineinfo returns true if the line resolver should log recoverable
// disassembly errors.
func Lineinfo() bool {
	return lineinfo
}

// LineinfoLogger returns a logger for the line resolver.
func LineinfoLogger() *logrus.Entry {
	return makeLogger(lineinfo, logrus.Fields{"layer": "lineinfo"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "server"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "server":
			server = true
		case "protocol":
			protocol = true
		case "lineinfo":
			lineinfo = true
		}
	}
	return nil
}
