// Package slicing converts model files into machine-agnostic layer archives
// by driving the external slicing engine under a virtual display.
package slicing
