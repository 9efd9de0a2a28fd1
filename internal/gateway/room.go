package gateway

import (
	"github.com/MarcoPoloResearchLab/collabrelay/internal/apptype"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/crdt"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/hotcache"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/presence"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/rooms"
	"go.uber.org/zap"
)

// room is the per-room state a gateway owns while the room is registered.
type room struct {
	key       rooms.Key
	instances apptype.Instances
	doc       *crdt.Document
	awareness *presence.Awareness
	binding   *hotcache.Binding
	logger    *zap.Logger
}

// Destroy releases the cache binding; the remote pump exits when the binding's
// channel closes.
func (r *room) Destroy() {
	if r.binding != nil {
		r.binding.Release()
	}
	r.logger.Debug("room destroyed")
}
