// Package workerid provides the identities a worker process can report
// under.
package workerid

import (
	"os"

	"github.com/google/uuid"

	"github.com/petrijr/taskworker/pkg/api"
)

// fallbackHost is used when the hostname cannot be read.
const fallbackHost = "unknown-host"

// Static always returns id.
type Static string

var _ api.WorkerIDService = Static("")

func (s Static) WorkerID() string { return string(s) }

// Hostname reports the machine's hostname. Two processes on the same host
// share it.
func Hostname() Static {
	return Static(hostname())
}

// HostnameUUID reports "<hostname>-<uuid>", unique per call. This is the
// default identity.
func HostnameUUID() Static {
	return Static(hostname() + "-" + uuid.NewString())
}

// Resolve returns Static(id) when id is set, and HostnameUUID otherwise.
func Resolve(id string) Static {
	if id != "" {
		return Static(id)
	}
	return HostnameUUID()
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return fallbackHost
	}
	return h
}
