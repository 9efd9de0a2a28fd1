package apptype

import "strings"

// AppType identifies the kind of collaborative document a room carries.
type AppType string

const (
	Text    AppType = "text"
	Nodes   AppType = "nodes"
	Table   AppType = "table"
	Default AppType = "default"
)

// Config is the static per-type routing data.
type Config struct {
	CacheDatabase int
	StoragePrefix string
	Description   string
	// TextFields and ListFields name the root fields whose length decides
	// whether a document has content worth persisting.
	TextFields []string
	ListFields []string
	// AnyField treats any populated root field as content.
	AnyField bool
}

var configs = map[AppType]Config{
	Text: {
		CacheDatabase: 1,
		StoragePrefix: "text-docs",
		Description:   "Text Editor",
		TextFields:    []string{"quill"},
	},
	Nodes: {
		CacheDatabase: 2,
		StoragePrefix: "node-diagrams",
		Description:   "Node Diagrams",
		ListFields:    []string{"nodes", "edges"},
	},
	Table: {
		CacheDatabase: 3,
		StoragePrefix: "table-sheets",
		Description:   "Spreadsheet",
		ListFields:    []string{"table"},
	},
	Default: {
		CacheDatabase: 0,
		StoragePrefix: "default-docs",
		Description:   "Default",
		TextFields:    []string{"content"},
		AnyField:      true,
	},
}

// All returns every known app type in a stable order.
func All() []AppType {
	return []AppType{Text, Nodes, Table, Default}
}

// Parse maps a raw string onto a known app type.
func Parse(value string) (AppType, bool) {
	candidate := AppType(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := configs[candidate]; ok {
		return candidate, true
	}
	return "", false
}

// Config returns the static configuration of the type, falling back to the
// default type for unknown values.
func (a AppType) Config() Config {
	if cfg, ok := configs[a]; ok {
		return cfg
	}
	return configs[Default]
}

func (a AppType) String() string {
	return string(a)
}

// Classify picks the app type for a connection. An explicit query parameter
// naming a known type wins, then the room-name prefix, then Default.
func Classify(queryParam, roomName string) AppType {
	if appType, ok := Parse(queryParam); ok {
		return appType
	}
	switch {
	case strings.HasPrefix(roomName, "text-"):
		return Text
	case strings.HasPrefix(roomName, "nodes-"):
		return Nodes
	case strings.HasPrefix(roomName, "table-"):
		return Table
	default:
		return Default
	}
}
