// Package config provides configuration types and loading for warden.
//
// # Configuration File
//
// The orchestrator reads /etc/warden/warden.toml. Every key has a default
// (see Default), so a file only lists what differs:
//
//	[ratelimit.user]
//	max_per_window = 10
//	window = "1m"
//
//	[ratelimit.groups.ops]
//	max_per_window = 100
//	window = "1m"
//
//	[sandbox]
//	runtime = "docker"
//	image = "ghcr.io/example/agent:latest"
//	command = "agent --stdio"
//	shared_paths = ["/srv/warden/shared"]
//
//	[secrets]
//	allow = ["ANTHROPIC_API_KEY", "GITHUB_TOKEN"]
//	required = ["ANTHROPIC_API_KEY"]
//
//	[secrets.groups]
//	ops = ["GITHUB_TOKEN"]
//
// The default runtime is "bwrap". "process" runs agents without any
// filesystem isolation and needs sandbox.allow_unisolated = true.
//
// Unknown keys are rejected so typos do not silently fall back to defaults.
//
// # Hot Reload
//
// Holder keeps the live *Config behind an atomic pointer. The serve
// command calls Holder.Reload on SIGHUP; components that read through the
// holder (the rate limiter in particular) see the new limits on their
// next check.
//
// # Group Directories
//
// Group ids double as directory names. ValidateGroupID restricts them to
// a safe alphabet and GroupDir joins them under a root with
// filepath-securejoin so a symlink inside the root cannot redirect a
// group's workspace elsewhere.
package config
