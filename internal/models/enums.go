// Package models provides data model definitions for the bridgesync engine.
package models

import (
	"database/sql/driver"
	"fmt"
)

// Side identifies one of the two remote platforms.
type Side string

const (
	SideCMS   Side = "cms"
	SideForum Side = "forum"
)

// ParseSide parses a side name.
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideCMS, SideForum:
		return Side(s), nil
	}
	return "", fmt.Errorf("invalid side %q", s)
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	_, err := ParseSide(string(s))
	return err == nil
}

// Other returns the opposite platform.
func (s Side) Other() Side {
	if s == SideCMS {
		return SideForum
	}
	return SideCMS
}

func (s Side) String() string { return string(s) }

// MarshalText implements encoding.TextMarshaler.
func (s Side) MarshalText() ([]byte, error) { return []byte(s), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Direction is the flow of a queued push operation.
type Direction string

const (
	DirectionCMSToForum Direction = "cms_to_forum"
	DirectionForumToCMS Direction = "forum_to_cms"
)

// ParseDirection parses a direction name.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionCMSToForum, DirectionForumToCMS:
		return Direction(s), nil
	}
	return "", fmt.Errorf("invalid direction %q", s)
}

// DirectionToward returns the direction whose target is side.
func DirectionToward(target Side) Direction {
	if target == SideForum {
		return DirectionCMSToForum
	}
	return DirectionForumToCMS
}

// Source returns the side the data comes from.
func (d Direction) Source() Side {
	if d == DirectionCMSToForum {
		return SideCMS
	}
	return SideForum
}

// Target returns the side the data is pushed to.
func (d Direction) Target() Side {
	return d.Source().Other()
}

func (d Direction) String() string { return string(d) }

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) { return []byte(d), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Direction) UnmarshalText(b []byte) error {
	v, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Value implements driver.Valuer.
func (d Direction) Value() (driver.Value, error) { return string(d), nil }

// Scan implements sql.Scanner.
func (d *Direction) Scan(value interface{}) error {
	s, err := scanString(value)
	if err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// Operation is the kind of mutation carried by a queue item or batch entry.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// ParseOperation parses an operation name.
func ParseOperation(s string) (Operation, error) {
	switch Operation(s) {
	case OperationCreate, OperationUpdate, OperationDelete:
		return Operation(s), nil
	}
	return "", fmt.Errorf("invalid operation %q", s)
}

func (o Operation) String() string { return string(o) }

// MarshalText implements encoding.TextMarshaler.
func (o Operation) MarshalText() ([]byte, error) { return []byte(o), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Operation) UnmarshalText(b []byte) error {
	v, err := ParseOperation(string(b))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// Value implements driver.Valuer.
func (o Operation) Value() (driver.Value, error) { return string(o), nil }

// Scan implements sql.Scanner.
func (o *Operation) Scan(value interface{}) error {
	s, err := scanString(value)
	if err != nil {
		return err
	}
	return o.UnmarshalText([]byte(s))
}

// QueueStatus is the lifecycle state of a SyncQueueItem.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// ParseQueueStatus parses a queue status name.
func ParseQueueStatus(s string) (QueueStatus, error) {
	switch QueueStatus(s) {
	case QueueStatusPending, QueueStatusProcessing, QueueStatusCompleted, QueueStatusFailed:
		return QueueStatus(s), nil
	}
	return "", fmt.Errorf("invalid queue status %q", s)
}

// Open reports whether an item in this status still needs work.
func (s QueueStatus) Open() bool {
	return s == QueueStatusPending || s == QueueStatusProcessing
}

// CanTransition reports whether moving from s to next is allowed.
// Pending->Failed covers exhausted or permanent failures; Processing->Pending
// is the transient-failure requeue. Failed->Pending is reserved for the
// explicit operator requeue.
func (s QueueStatus) CanTransition(next QueueStatus) bool {
	switch s {
	case QueueStatusPending:
		return next == QueueStatusProcessing || next == QueueStatusFailed || next == QueueStatusCompleted
	case QueueStatusProcessing:
		return next == QueueStatusCompleted || next == QueueStatusPending || next == QueueStatusFailed
	case QueueStatusFailed:
		return next == QueueStatusPending
	case QueueStatusCompleted:
		return false
	}
	return false
}

func (s QueueStatus) String() string { return string(s) }

// MarshalText implements encoding.TextMarshaler.
func (s QueueStatus) MarshalText() ([]byte, error) { return []byte(s), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *QueueStatus) UnmarshalText(b []byte) error {
	v, err := ParseQueueStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Value implements driver.Valuer.
func (s QueueStatus) Value() (driver.Value, error) { return string(s), nil }

// Scan implements sql.Scanner.
func (s *QueueStatus) Scan(value interface{}) error {
	str, err := scanString(value)
	if err != nil {
		return err
	}
	return s.UnmarshalText([]byte(str))
}

// EntityStatus is the derived sync state of a mapping. It is never stored.
type EntityStatus string

const (
	EntityStatusSynced        EntityStatus = "synced"
	EntityStatusPendingCreate EntityStatus = "pending_create"
	EntityStatusPendingUpdate EntityStatus = "pending_update"
	EntityStatusPendingDelete EntityStatus = "pending_delete"
	EntityStatusRemoteOnly    EntityStatus = "remote_only"
	EntityStatusUnlinked      EntityStatus = "unlinked"
)

func (s EntityStatus) String() string { return string(s) }

// ConflictStrategy selects how a SyncConflict is resolved.
type ConflictStrategy string

const (
	StrategyPreferCMS        ConflictStrategy = "prefer_cms"
	StrategyPreferForum      ConflictStrategy = "prefer_forum"
	StrategyPreferMostRecent ConflictStrategy = "prefer_most_recent"
	StrategyMergePreferCMS   ConflictStrategy = "merge_prefer_cms"
	StrategyMergePreferForum ConflictStrategy = "merge_prefer_forum"
)

// ParseConflictStrategy parses a strategy name.
func ParseConflictStrategy(s string) (ConflictStrategy, error) {
	switch ConflictStrategy(s) {
	case StrategyPreferCMS, StrategyPreferForum, StrategyPreferMostRecent,
		StrategyMergePreferCMS, StrategyMergePreferForum:
		return ConflictStrategy(s), nil
	}
	return "", fmt.Errorf("invalid conflict strategy %q", s)
}

func (s ConflictStrategy) String() string { return string(s) }

// MarshalText implements encoding.TextMarshaler.
func (s ConflictStrategy) MarshalText() ([]byte, error) { return []byte(s), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ConflictStrategy) UnmarshalText(b []byte) error {
	v, err := ParseConflictStrategy(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func scanString(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", fmt.Errorf("unexpected NULL")
	}
	return "", fmt.Errorf("unsupported scan type %T", value)
}
