// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package zygisk

import "github.com/rmnscnce/zygisk-go/pkg/abi"

// Module is the author-facing lifecycle interface. Embed BaseModule
// and override the hooks you need. Every Api passed in is valid only
// until that callback returns; see Api.Retain. The host drives the
// hooks strictly one at a time per process: OnLoad once after
// registration, then the pre/post pair matching what this process
// becomes.
type Module interface {
	// OnLoad runs once, right after the host accepts registration.
	OnLoad(api *Api, env abi.JNIEnv)

	// PreAppSpecialize runs before an application process specializes.
	// This is the last point where companion connections succeed.
	PreAppSpecialize(api *Api, args *abi.AppSpecializeArgs)

	// PostAppSpecialize runs inside the specialized app process. The
	// api handle it receives is the final valid borrow.
	PostAppSpecialize(api *Api, args *abi.AppSpecializeArgs)

	// PreServerSpecialize runs before the system server specializes.
	PreServerSpecialize(api *Api, args *abi.ServerSpecializeArgs)

	// PostServerSpecialize runs inside the specialized system server.
	PostServerSpecialize(api *Api, args *abi.ServerSpecializeArgs)
}

// BaseModule is a no-op Module for embedding.
type BaseModule struct{}

func (BaseModule) OnLoad(*Api, abi.JNIEnv)                              {}
func (BaseModule) PreAppSpecialize(*Api, *abi.AppSpecializeArgs)        {}
func (BaseModule) PostAppSpecialize(*Api, *abi.AppSpecializeArgs)       {}
func (BaseModule) PreServerSpecialize(*Api, *abi.ServerSpecializeArgs)  {}
func (BaseModule) PostServerSpecialize(*Api, *abi.ServerSpecializeArgs) {}
