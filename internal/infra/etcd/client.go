package etcd

import (
	"path"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Key layout. Runs live under the history of their definition so that a
// prefix scan sorted by create revision lists them newest first.
const (
	JobSaveDir          = "/dbops/jobs/"
	ExecutionHistoryDir = "/dbops/history/"   // {definition}/{run}
	RunIndexDir         = "/dbops/run-index/" // {run} -> definition
	ActiveRunDir        = "/dbops/active/"    // {run} -> definition, removed once final
	CursorDir           = "/dbops/cursors/"   // {definition} -> last scheduled occurrence
	OpenIncidentDir     = "/dbops/incidents/open/"
	ResolvedIncidentDir = "/dbops/incidents/resolved/"
	DatabaseDir         = "/dbops/databases/"
	WindowDir           = "/dbops/windows/" // {database}/{window}
)

func NewClient(endpoints []string, timeout time.Duration) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	return cli, nil
}

func jobKey(id string) string              { return path.Join(JobSaveDir, id) }
func runKey(defID, runID string) string    { return path.Join(ExecutionHistoryDir, defID, runID) }
func runIndexKey(runID string) string      { return path.Join(RunIndexDir, runID) }
func activeKey(runID string) string        { return path.Join(ActiveRunDir, runID) }
func cursorKey(defID string) string        { return path.Join(CursorDir, defID) }
func openIncidentKey(id string) string     { return path.Join(OpenIncidentDir, id) }
func resolvedIncidentKey(id string) string { return path.Join(ResolvedIncidentDir, id) }
func databaseKey(id string) string         { return path.Join(DatabaseDir, id) }
func windowKey(dbID, id string) string     { return path.Join(WindowDir, dbID, id) }
