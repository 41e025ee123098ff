package dispatch

import (
	"log"

	"github.com/dreamware/testserver/internal/apierr"
	"github.com/dreamware/testserver/internal/replicator"
	"github.com/dreamware/testserver/internal/services"
	"github.com/dreamware/testserver/internal/tree"
)

// Version 1 endpoints.
const (
	EndpointReset            = "/reset"
	EndpointStartReplicator  = "/startReplicator"
	EndpointReplicatorStatus = "/getReplicatorStatus"
	EndpointStopReplicator   = "/stopReplicator"
)

const keyDatasets = "datasets"

// RegisterV1 installs the version 1 endpoints.
func RegisterV1(d *Dispatcher, dbs *services.DatabaseService, mgr *replicator.Manager) {
	d.Handle(1, EndpointReset, resetHandler(dbs, mgr))
	d.Handle(1, EndpointStartReplicator, mgr.Create)
	d.Handle(1, EndpointReplicatorStatus, mgr.Status)
	d.Handle(1, EndpointStopReplicator, mgr.Stop)
}

// resetHandler stops the client's replicators and reopens its databases
// from the named datasets.
func resetHandler(dbs *services.DatabaseService, mgr *replicator.Manager) Handler {
	return func(tc *services.TestContext, req tree.Map) (map[string]any, error) {
		if err := req.Validate(keyDatasets); err != nil {
			return nil, err
		}

		datasets := make(map[string][]string)
		if spec, ok := req.GetMap(keyDatasets); ok {
			for _, name := range spec.Keys() {
				dbNames, ok := spec.GetList(name)
				if !ok {
					return nil, apierr.Clientf("Dataset %q does not specify a list of databases", name)
				}
				datasets[name] = dbNames.Strings()
			}
		}

		mgr.StopAll(tc)
		if err := dbs.Reset(tc, datasets); err != nil {
			return nil, err
		}
		log.Printf("dispatch: reset %s with %d datasets", tc, len(datasets))
		return map[string]any{}, nil
	}
}
