// Package rooms tracks the rooms a gateway process serves: their document
// handles, live connections and last activity.
package rooms

import (
	"strings"

	"github.com/MarcoPoloResearchLab/collabrelay/internal/apptype"
)

// Key identifies a room. Equal names under different app types are distinct
// rooms.
type Key struct {
	AppType apptype.AppType
	Name    string
}

func NewKey(appType apptype.AppType, name string) Key {
	if name == "" {
		name = "default"
	}
	return Key{AppType: appType, Name: name}
}

// String returns the canonical "<appType>:<name>" form used as the cache room
// id and in queue entries.
func (k Key) String() string {
	return string(k.AppType) + ":" + k.Name
}

// ParseKey inverts String.
func ParseKey(value string) (Key, bool) {
	prefix, name, found := strings.Cut(value, ":")
	if !found || name == "" {
		return Key{}, false
	}
	appType, ok := apptype.Parse(prefix)
	if !ok {
		return Key{}, false
	}
	return Key{AppType: appType, Name: name}, true
}
