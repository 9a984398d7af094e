// Package etlerr classifies pipeline failures by the stage that produced them.
package etlerr

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a pipeline failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindParse
	KindDataQuality
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindParse:
		return "parse"
	case KindDataQuality:
		return "data_quality"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Stage names used in errors, logs and the ingestion status record.
const (
	StageExtract   = "extract"
	StageTransform = "transform"
	StageLoad      = "load"
)

// Error is a classified stage failure.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s error: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and stage. A nil err yields nil.
func New(kind Kind, stage string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Network, Parse, DataQuality and Persistence are shorthands for New.
func Network(stage string, err error) error     { return New(KindNetwork, stage, err) }
func Parse(stage string, err error) error       { return New(KindParse, stage, err) }
func DataQuality(stage string, err error) error { return New(KindDataQuality, stage, err) }
func Persistence(stage string, err error) error { return New(KindPersistence, stage, err) }

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// StageOf returns the stage of the first classified error in err's chain.
func StageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}
