// Package events carries life-cycle notifications between vault components.
// Publishing is fire-and-forget: subscribers run synchronously in subscribe
// order, at most once per event, and their errors or panics are logged and
// never reach the publisher. Components never subscribe to their own events.
package events

import "github.com/kittclouds/vaultkit/internal/store"

// Type names a vault life-cycle event.
type Type string

const (
	NodeCreated         Type = "node.created"
	NodeContentUpdated  Type = "node.contentUpdated"
	NodeMetadataUpdated Type = "node.metadataUpdated"
	NodeMoved           Type = "node.moved"
	NodeRenamed         Type = "node.renamed"
	NodeRemoved         Type = "node.removed"
	CardUpdated         Type = "srsCard.updated"
	TagsUpdated         Type = "tags.updated"
)

// Event is a published notification. Data holds the payload struct for the
// event's type.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// NodeCreatedData accompanies NodeCreated.
type NodeCreatedData struct {
	Node     *store.Node `json:"node"`
	ParentID string      `json:"parentId,omitempty"`
}

// NodeUpdatedData accompanies NodeContentUpdated, NodeMetadataUpdated and
// NodeRenamed.
type NodeUpdatedData struct {
	Node *store.Node `json:"node"`
}

// NodeMovedData accompanies NodeMoved.
type NodeMovedData struct {
	NodeID      string      `json:"nodeId"`
	NewParentID string      `json:"newParentId"`
	Node        *store.Node `json:"node"`
}

// NodeRemovedData accompanies NodeRemoved. AllRemovedIDs includes the
// removed node itself plus every cascaded descendant.
type NodeRemovedData struct {
	RemovedNodeID string   `json:"removedNodeId"`
	AllRemovedIDs []string `json:"allRemovedIds"`
}

// CardUpdatedData accompanies CardUpdated.
type CardUpdatedData struct {
	CardID   string           `json:"cardId"`
	NewState *store.ClozeCard `json:"newState"`
}

// Tag index actions carried by TagsUpdatedData.
const (
	TagActionCreated  = "created"
	TagActionRenamed  = "renamed"
	TagActionDeleted  = "deleted"
	TagActionTagged   = "tagged"
	TagActionUntagged = "untagged"
)

// TagsUpdatedData accompanies TagsUpdated.
type TagsUpdatedData struct {
	Action  string `json:"action"`
	NodeID  string `json:"nodeId,omitempty"`
	TagName string `json:"tagName,omitempty"`
}

// Handler receives a published event. A non-nil error is logged by the
// dispatcher; it never propagates to the publisher.
type Handler func(Event) error

// Bus is the publish side components are constructed with.
type Bus interface {
	Publish(Event)
}
