package config

type WorkerKeyStruct struct {
	PersistViolationsQueue    string
	PersistQuestionOrderQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistViolationsQueue:    "persist_violations_queue",
	PersistQuestionOrderQueue: "persist_question_order_queue",
}
