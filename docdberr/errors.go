// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package docdberr defines the error taxonomy shared by the replication
// and subscription engines: every failure observed anywhere in this
// module maps onto exactly one Kind.
package docdberr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error into one of the seven buckets the propagation
// policy is written against.
type Kind int8

const (
	// Transport covers socket errors and unexpected EOF. Recoverable;
	// triggers reconnect with backoff.
	Transport Kind = iota
	// Protocol covers malformed frames, unexpected message types, and
	// version mismatches. Recoverable once; repeated within a short
	// window it surfaces and stops.
	Protocol
	// NotOwner means the destination node says a task is not its own.
	NotOwner
	// DatabaseGone means the peer database has been deleted or does
	// not exist. Fatal for the specific destination.
	DatabaseGone
	// SubscriberHandler means the user's batch handler returned an
	// error.
	SubscriberHandler
	// Consensus means a command was rejected by the consensus log.
	Consensus
	// Fatal means an invariant was broken; the database must shut
	// down.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "Transport"
	case Protocol:
		return "Protocol"
	case NotOwner:
		return "NotOwner"
	case DatabaseGone:
		return "DatabaseGone"
	case SubscriberHandler:
		return "SubscriberHandler"
	case Consensus:
		return "Consensus"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Error is the typed error every component in this module returns.
// Subscription-facing errors always carry the subscription name, the
// node tag, and the database name so the message is self-describing
// without needing the call site's context.
type Error struct {
	Kind     Kind
	Database string
	NodeTag  string
	SubName  string
	Msg      string
	Cause    error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is match on Kind alone, e.g. errors.Is(err, docdberr.Transport).
func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}
	te, ok := target.(*Error)
	return ok && te.Kind == e.Kind
}

func (k Kind) Error() string { return k.String() }

// New builds a plain typed error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap attaches a Kind to an underlying cause.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Cause: cause, Msg: msg}
}

// KindOf extracts the Kind of err, defaulting to Fatal for anything
// that was never classified — an unclassified error is a programmer
// error and must not be treated as merely recoverable.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return Fatal
}

// DatabaseGoneError builds the DatabaseGone error for an in-flight
// subscription ack, matching the literal message format spec.md §7
// requires: "Stopping subscription '<name>' on node <tag>, because
// database '<db>' is being deleted."
func DatabaseGoneError(subName, nodeTag, database string) *Error {
	return &Error{
		Kind:     DatabaseGone,
		SubName:  subName,
		NodeTag:  nodeTag,
		Database: database,
		Msg: fmt.Sprintf("Stopping subscription '%s' on node %s, because database '%s' is being deleted.",
			subName, nodeTag, database),
	}
}

// SubscriptionDoesNotExistError is returned once a subscription's
// definition has been removed out from under a live connection.
func SubscriptionDoesNotExistError(subName, nodeTag, database string) *Error {
	e := DatabaseGoneError(subName, nodeTag, database)
	return e
}

// DatabaseDoesNotExistError is the sibling error a worker sees when the
// whole database, rather than just the subscription, disappears.
func DatabaseDoesNotExistError(database string) *Error {
	return &Error{
		Kind:     DatabaseGone,
		Database: database,
		Msg:      fmt.Sprintf("Database '%s' does not exist.", database),
	}
}

var (
	// ErrInvalidKind is returned by the change log index for an
	// unrecognized mutation kind.
	ErrInvalidKind = New(Protocol, "InvalidKind")
	// ErrInvalidBucket is returned for a bucket outside [0, 2^20).
	ErrInvalidBucket = New(Protocol, "InvalidBucket")
	// ErrSelfReplication rejects an inbound connection whose source
	// database id equals ours.
	ErrSelfReplication = New(Fatal, "a database cannot replicate to itself")
	// ErrNodePassive rejects all inbound connections while this node
	// is not an active replication participant.
	ErrNodePassive = New(NotOwner, "node is passive, rejecting inbound connection")
	// ErrStaleConnectionWins is returned when an existing inbound
	// connection for a source is still within its heartbeat window.
	ErrStaleConnectionWins = New(Transport, "existing connection for source is still alive")
)
