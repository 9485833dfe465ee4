package client

import (
	"os"
	"strconv"
)

// Default bounds for the per-client archive pipeline and per-request
// retrieve queue. Overridable via FDB_REMOTE_ARCHIVE_QUEUE_LENGTH and
// FDB_REMOTE_RETRIEVE_QUEUE_LENGTH.
const (
	defaultArchiveQueueLength  = 200
	defaultRetrieveQueueLength = 16
)

func envQueueLength(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func archiveQueueLength() int {
	return envQueueLength("FDB_REMOTE_ARCHIVE_QUEUE_LENGTH", defaultArchiveQueueLength)
}

func retrieveQueueLength() int {
	return envQueueLength("FDB_REMOTE_RETRIEVE_QUEUE_LENGTH", defaultRetrieveQueueLength)
}
