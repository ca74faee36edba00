// Package services defines the error taxonomy shared by the pipeline stages
// and the context keys used to thread job metadata into structured logs.
//
// Every stage failure is wrapped with a Kind so the pipeline manager can
// persist a machine-readable failure classification on the job without
// inspecting error strings.
package services
