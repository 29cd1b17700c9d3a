package config

type WorkerKeyStruct struct {
	PersistResponsesQueue string
	PersistResultsQueue   string
}

var WorkerKey = &WorkerKeyStruct{
	PersistResponsesQueue: "persist_responses_queue",
	PersistResultsQueue:   "persist_results_queue",
}
