// Package domain holds the core types of the kiln workflow engine.
//
// A material progresses through an ordered plan of calculation stages
// (OPT, SP, BAND, ...). Each stage run is a Calculation identified by
// (material, kind, generation); the per-material WorkflowState document
// is the unit of durable state. Types here are storage- and
// transport-agnostic; adapters serialize them as they see fit.
package domain
