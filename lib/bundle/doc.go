// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package bundle compiles and caches per-agent configuration bundles.
//
// A bundle is the controller-side configuration document an agent
// receives when it asks for one: arbitrary nested key/value data,
// assembled on the controller so agents never see each other's
// configuration. The Compiler interface is the assembly hook;
// StaticCompiler is the built-in implementation driven by controller
// configuration (common data plus per-agent overlays).
//
// The Cache keeps the last compiled bundle and the grains the agent
// reported with its request. Cached entries feed fact-driven
// targeting: grain and data match types read them through the
// target.MetadataSource interface.
package bundle
