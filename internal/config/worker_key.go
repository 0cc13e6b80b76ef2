package config

type WorkerKeyStruct struct {
	PersistSnapshotsQueue   string
	PersistViolationsQueue  string
	PersistSubmissionsQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistSnapshotsQueue:   "persist_snapshots_queue",
	PersistViolationsQueue:  "persist_violations_queue",
	PersistSubmissionsQueue: "persist_submissions_queue",
}
