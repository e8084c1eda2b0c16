package service

import (
	"github.com/devrev/guildstore/internal/model"
)

// MergeFunc reconciles a caller's document with the state another writer
// committed since the caller loaded it. current is the freshly read
// on-disk document and incoming is the caller's; both are private copies
// the function may modify. The returned document's Rev is ignored.
type MergeFunc func(current, incoming *model.TenantDocument) *model.TenantDocument

// MergeOverlay is the default MergeFunc. It starts from current and
// overlays every top-level key of incoming, so the caller wins on direct
// collisions. The voice section is unioned key by key instead, with the
// caller's entries winning inside each map.
//
// Deletions made by the caller are not visible to an overlay; use
// DocumentService.Update when a mutation removes keys.
func MergeOverlay(current, incoming *model.TenantDocument) *model.TenantDocument {
	merged := current.Clone()

	for k, v := range incoming.Extra {
		merged.Extra[k] = v
	}
	for k, v := range incoming.Voice.Extra {
		merged.Voice.Extra[k] = v
	}
	for k, v := range incoming.Voice.Lobbies {
		merged.Voice.Lobbies[k] = v
	}
	for k, v := range incoming.Voice.TempChannels {
		merged.Voice.TempChannels[k] = v
	}

	merged.Rev = current.Rev
	return merged
}
