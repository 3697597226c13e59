// Package marmot persists the client-side state of MLS-over-nostr
// group messaging: groups, messages, welcomes, exporter secrets, and
// the underlying MLS key material. Three backends implement the same
// Storage contract: in-memory, SQLite, and the note store's directory.
package marmot

import (
	"github.com/gnostr/notedb/wire"
)

// GroupState tracks a group's lifecycle.
type GroupState string

const (
	GroupPending  GroupState = "pending"
	GroupActive   GroupState = "active"
	GroupInactive GroupState = "inactive"
)

// WelcomeState tracks how the user handled a group invitation.
type WelcomeState string

const (
	WelcomePending  WelcomeState = "pending"
	WelcomeAccepted WelcomeState = "accepted"
	WelcomeDeclined WelcomeState = "declined"
	WelcomeIgnored  WelcomeState = "ignored"
)

// MessageState tracks a message through processing.
type MessageState string

const (
	MessageCreated          MessageState = "created"
	MessageProcessed        MessageState = "processed"
	MessageDeleted          MessageState = "deleted"
	MessageEpochInvalidated MessageState = "epoch_invalidated"
)

// ProcessedState records the outcome of handling a wrapper event.
type ProcessedState string

const (
	Processed       ProcessedState = "processed"
	ProcessedFailed ProcessedState = "failed"
)

// SortOrder selects which timestamp LastMessage ranks by.
type SortOrder int

const (
	CreatedAtFirst SortOrder = iota
	ProcessedAtFirst
)

// Group is one MLS group the user belongs to or has been invited to.
type Group struct {
	MLSGroupID     []byte       `json:"mls_group_id"`
	NostrGroupID   string       `json:"nostr_group_id"`
	Name           string       `json:"name"`
	Description    string       `json:"description"`
	AdminPubkeys   []string     `json:"admin_pubkeys"`
	Epoch          uint64       `json:"epoch"`
	State          GroupState   `json:"state"`
	LastMessageID  wire.EventID `json:"last_message_id"`
	LastMessageAt  int64        `json:"last_message_at"`
	ImageURL       string       `json:"image_url,omitempty"`
	ImageKey       []byte       `json:"image_key,omitempty"`
}

// Message is one decrypted application message in a group.
type Message struct {
	ID          wire.EventID `json:"id"`
	MLSGroupID  []byte       `json:"mls_group_id"`
	Pubkey      wire.Pubkey  `json:"pubkey"`
	Kind        uint32       `json:"kind"`
	CreatedAt   int64        `json:"created_at"`
	ProcessedAt int64        `json:"processed_at"`
	Content     string       `json:"content"`
	Tags        [][]string   `json:"tags,omitempty"`
	WrapperID   wire.EventID `json:"wrapper_id"`
	State       MessageState `json:"state"`
}

// Welcome is a pending or handled group invitation.
type Welcome struct {
	ID               wire.EventID `json:"id"`
	MLSGroupID       []byte       `json:"mls_group_id"`
	NostrGroupID     string       `json:"nostr_group_id"`
	GroupName        string       `json:"group_name"`
	GroupDescription string       `json:"group_description"`
	GroupAdmins      []string     `json:"group_admins"`
	GroupRelays      []string     `json:"group_relays"`
	Welcomer         wire.Pubkey  `json:"welcomer"`
	MemberCount      uint32       `json:"member_count"`
	State            WelcomeState `json:"state"`
	WrapperID        wire.EventID `json:"wrapper_id"`
}

// ProcessedMessage is the ledger entry for one handled wrapper event,
// successful or not. The ledger is what makes reprocessing idempotent.
type ProcessedMessage struct {
	WrapperID     wire.EventID   `json:"wrapper_id"`
	MessageID     wire.EventID   `json:"message_id"`
	MLSGroupID    []byte         `json:"mls_group_id"`
	Epoch         uint64         `json:"epoch"`
	ProcessedAt   int64          `json:"processed_at"`
	State         ProcessedState `json:"state"`
	FailureReason string         `json:"failure_reason,omitempty"`
}

// ProcessedWelcome is the ledger entry for one handled welcome wrapper.
type ProcessedWelcome struct {
	WrapperID     wire.EventID   `json:"wrapper_id"`
	WelcomeID     wire.EventID   `json:"welcome_id"`
	ProcessedAt   int64          `json:"processed_at"`
	State         ProcessedState `json:"state"`
	FailureReason string         `json:"failure_reason,omitempty"`
}

// ExporterSecret is the NIP-44 encryption secret of one group epoch.
type ExporterSecret struct {
	MLSGroupID []byte   `json:"mls_group_id"`
	Epoch      uint64   `json:"epoch"`
	Secret     [32]byte `json:"secret"`
}

// Pagination bounds a message listing. A zero Limit means no bound.
type Pagination struct {
	Limit  int
	Offset int
}
