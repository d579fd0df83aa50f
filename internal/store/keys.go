package store

import "fmt"

// Key prefixes. Speech keys sort by speech_id, which gives unclassified
// scans a stable, restartable order.
const (
	speechPrefix = "sp:"
	cursorPrefix = "cur:"
	donePrefix   = "done:"
	failPrefix   = "fail:"
	budgetKey    = "budget"
)

func speechKey(id string) []byte {
	return []byte(speechPrefix + id)
}

func cursorKey(source string) []byte {
	return []byte(cursorPrefix + source)
}

func doneKey(source, unit string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", donePrefix, source, unit))
}

func failKey(source, unit string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", failPrefix, source, unit))
}
