// Package command defines the ingress command envelope and the closed set of
// (aggregate type, verb) keys the pipeline knows how to execute.
//
// Keys are a fixed enumeration rather than free-form strings so that handler
// tables built from them can be checked for completeness at start-up.
package command
