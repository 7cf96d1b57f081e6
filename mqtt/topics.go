package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is used when the config leaves topic_prefix empty.
const DefaultTopicPrefix = "bookscan"

// Topics is the topic layout for one node.
type Topics struct {
	ScanStatus    string
	TagScanned    string
	ScanError     string
	RawReading    string
	ReaderState   string
	Ping          string
	CatalogStatus string
	CatalogUpdate string // broadcast control
	Send          string // node control
}

// NewTopics builds the layout under prefix for clientID.
func NewTopics(prefix, clientID string) Topics {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	status := fmt.Sprintf("%s/status/node/%s", prefix, clientID)
	return Topics{
		ScanStatus:    status + "/scan_status",
		TagScanned:    status + "/tag_scanned",
		ScanError:     status + "/scan_error",
		RawReading:    status + "/raw_reading",
		ReaderState:   status + "/reader_state",
		Ping:          status + "/ping",
		CatalogStatus: status + "/catalog/update",
		CatalogUpdate: prefix + "/control/broadcast/catalog/update",
		Send:          fmt.Sprintf("%s/control/node/%s/send", prefix, clientID),
	}
}
